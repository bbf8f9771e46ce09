package sign

import (
	"encoding/binary"
	"errors"
	"fmt"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/share"
	"go.dedis.ch/kyber/v3/sign/bls"
	"go.dedis.ch/kyber/v3/sign/tbls"
)

var suite = bn256.NewSuite()

// GenTSKeys generates n key shares of a (t, n) threshold signature scheme
// and the public polynomial used to verify partial and assembled signatures.
func GenTSKeys(t, n int) ([]*share.PriShare, *share.PubPoly) {
	secret := suite.G1().Scalar().Pick(suite.RandomStream())
	priPoly := share.NewPriPoly(suite.G2(), t, secret, suite.RandomStream())
	pubPoly := priPoly.Commit(suite.G2().Point().Base())
	return priPoly.Shares(n), pubPoly
}

// SignTSPartial produces the partial signature of data with one key share.
func SignTSPartial(priShare *share.PriShare, data []byte) ([]byte, error) {
	return tbls.Sign(suite, priShare, data)
}

// VerifyTSPartial checks one partial signature against the public polynomial.
func VerifyTSPartial(pubPoly *share.PubPoly, data, partialSig []byte) error {
	return tbls.Verify(suite, pubPoly, data, partialSig)
}

// AssembleIntactTSPartial recovers the threshold signature from at least t valid partial signatures.
func AssembleIntactTSPartial(partialSigs [][]byte, pubPoly *share.PubPoly, data []byte, t, n int) ([]byte, error) {
	return tbls.Recover(suite, pubPoly, data, partialSigs, t, n)
}

// VerifyTS verifies an assembled threshold signature.
func VerifyTS(pubPoly *share.PubPoly, data, sig []byte) (bool, error) {
	if pubPoly == nil {
		return false, errors.New("no threshold public key")
	}
	if err := bls.Verify(suite, pubPoly.Commit(), data, sig); err != nil {
		return false, nil
	}
	return true, nil
}

// EncodeTSPublicKey serializes the commitments of the public polynomial.
func EncodeTSPublicKey(pubPoly *share.PubPoly) ([]byte, error) {
	_, commits := pubPoly.Info()
	var out []byte
	for _, c := range commits {
		b, err := c.MarshalBinary()
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

// DecodeTSPublicKey is the inverse of EncodeTSPublicKey.
func DecodeTSPublicKey(data []byte) (*share.PubPoly, error) {
	pointLen := suite.G2().PointLen()
	if len(data) == 0 || len(data)%pointLen != 0 {
		return nil, fmt.Errorf("threshold public key has invalid length %d", len(data))
	}
	commits := make([]kyber.Point, 0, len(data)/pointLen)
	for i := 0; i < len(data); i += pointLen {
		p := suite.G2().Point()
		if err := p.UnmarshalBinary(data[i : i+pointLen]); err != nil {
			return nil, err
		}
		commits = append(commits, p)
	}
	return share.NewPubPoly(suite.G2(), suite.G2().Point().Base(), commits), nil
}

// EncodeTSPartialKey serializes a key share as its 4-byte index followed by the scalar.
func EncodeTSPartialKey(priShare *share.PriShare) ([]byte, error) {
	v, err := priShare.V.MarshalBinary()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 4, 4+len(v))
	binary.BigEndian.PutUint32(out, uint32(priShare.I))
	return append(out, v...), nil
}

// DecodeTSPartialKey is the inverse of EncodeTSPartialKey.
func DecodeTSPartialKey(data []byte) (*share.PriShare, error) {
	if len(data) <= 4 {
		return nil, errors.New("threshold key share is too short")
	}
	v := suite.G2().Scalar()
	if err := v.UnmarshalBinary(data[4:]); err != nil {
		return nil, err
	}
	return &share.PriShare{I: int(binary.BigEndian.Uint32(data[:4])), V: v}, nil
}
