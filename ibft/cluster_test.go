package ibft

import (
	"context"
	"crypto/ed25519"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gitzhang10/hdsledger/config"
	"github.com/gitzhang10/hdsledger/ledger"
	"github.com/gitzhang10/hdsledger/message"
	"github.com/gitzhang10/hdsledger/sign"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/kyber/v3/share"
)

var (
	testReplicas = []string{"1", "2", "3", "4"}
	testClients  = []string{"20", "21"}
)

// testCluster holds the membership and the keys of 4 replicas and 2 clients on the loopback.
type testCluster struct {
	clusterAddr       map[string]string
	clusterPort       map[string]int
	clusterClientPort map[string]int
	clientAddr        map[string]string
	clientPort        map[string]int

	pubKeys  map[string]ed25519.PublicKey
	privKeys map[string]ed25519.PrivateKey
	tsPub    *share.PubPoly
	tsShares []*share.PriShare
}

func freePorts(t *testing.T, n int) []int {
	t.Helper()
	var ports []int
	var conns []*net.UDPConn
	for i := 0; i < n; i++ {
		c, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
		require.NoError(t, err)
		conns = append(conns, c)
		ports = append(ports, c.LocalAddr().(*net.UDPAddr).Port)
	}
	for _, c := range conns {
		c.Close()
	}
	return ports
}

func newTestCluster(t *testing.T) *testCluster {
	ports := freePorts(t, 2*len(testReplicas)+len(testClients))
	c := &testCluster{
		clusterAddr:       make(map[string]string),
		clusterPort:       make(map[string]int),
		clusterClientPort: make(map[string]int),
		clientAddr:        make(map[string]string),
		clientPort:        make(map[string]int),
		pubKeys:           make(map[string]ed25519.PublicKey),
		privKeys:          make(map[string]ed25519.PrivateKey),
	}
	for i, r := range testReplicas {
		c.clusterAddr[r] = "127.0.0.1"
		c.clusterPort[r] = ports[2*i]
		c.clusterClientPort[r] = ports[2*i+1]
		c.privKeys[r], c.pubKeys[r] = sign.GenED25519Keys()
	}
	for i, cl := range testClients {
		c.clientAddr[cl] = "127.0.0.1"
		c.clientPort[cl] = ports[2*len(testReplicas)+i]
		c.privKeys[cl], c.pubKeys[cl] = sign.GenED25519Keys()
	}
	c.tsShares, c.tsPub = sign.GenTSKeys(3, len(testReplicas))
	return c
}

func (c *testCluster) config(name string) *config.Config {
	var tsShare *share.PriShare
	for i, r := range testReplicas {
		if r == name {
			tsShare = c.tsShares[i]
		}
	}
	conf := config.New(name, c.clusterAddr, c.clusterPort, c.clusterClientPort, c.clientAddr, c.clientPort,
		c.pubKeys, c.privKeys[name], c.tsPub, tsShare, int(hclog.Error))
	conf.BaseSleep = 20 * time.Millisecond
	conf.RoundTimeout = 800 * time.Millisecond
	return conf
}

func (c *testCluster) keyRing(name string) *sign.KeyRing {
	return sign.NewKeyRing(name, c.privKeys[name], c.pubKeys)
}

func (c *testCluster) signedTx(t *testing.T, sender, receiver string, amount int64) *ledger.Transaction {
	tx := ledger.NewTransaction(sender, receiver, amount)
	sig, err := c.keyRing(sender).Sign(tx.Signable())
	require.NoError(t, err)
	tx.Signature = sig
	return tx
}

func (c *testCluster) signedBlock(t *testing.T, author string, txs ...*ledger.Transaction) *ledger.Block {
	block := ledger.NewBlock(author, txs)
	sig, err := c.keyRing(author).Sign(block.Signable())
	require.NoError(t, err)
	block.Signature = sig
	return block
}

func (c *testCluster) signedMsg(t *testing.T, m *message.Message) *message.Message {
	sig, err := c.keyRing(m.SenderID).Sign(m.Signable())
	require.NoError(t, err)
	m.Signature = sig
	return m
}

type sentMsg struct {
	dest string // empty for a broadcast
	msg  *message.Message
}

// fakeLink records what a node sends and never delivers anything.
type fakeLink struct {
	id   string
	lock sync.Mutex
	sent []sentMsg
}

func (l *fakeLink) ID() string {
	return l.id
}

func (l *fakeLink) Send(dest string, msg *message.Message) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.sent = append(l.sent, sentMsg{dest: dest, msg: msg})
	return nil
}

func (l *fakeLink) Broadcast(msg *message.Message) error {
	return l.Send("", msg)
}

func (l *fakeLink) Receive(ctx context.Context) (*message.Message, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (l *fakeLink) Close() error {
	return nil
}

// byType returns the recorded messages of a type, in sending order.
func (l *fakeLink) byType(t message.Type) []sentMsg {
	l.lock.Lock()
	defer l.lock.Unlock()
	var out []sentMsg
	for _, s := range l.sent {
		if s.msg.Type == t {
			out = append(out, s)
		}
	}
	return out
}

func (l *fakeLink) reset() {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.sent = nil
}

// newFakeNode creates a replica wired to recording links. No loop runs.
func newFakeNode(t *testing.T, c *testCluster, name string) (*Node, *fakeLink, *fakeLink) {
	n := NewNode(c.config(name))
	link := &fakeLink{id: name}
	clientLink := &fakeLink{id: name}
	n.SetLinks(link, clientLink)
	t.Cleanup(func() {
		n.timer.Stop()
		n.cancel()
	})
	return n, link, clientLink
}
