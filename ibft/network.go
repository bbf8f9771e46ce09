package ibft

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/gitzhang10/hdsledger/conn"
)

// StartListen binds the replica-to-replica link and the client-facing link of the node.
func (n *Node) StartListen() error {
	addr, ok := n.conf.ClusterAddr[n.name]
	if !ok {
		return fmt.Errorf("%w: %s is not a replica", conn.ErrUnknownPeer, n.name)
	}

	peers := make(map[string]string, n.nodeNum)
	for _, r := range n.replicas {
		peers[r] = net.JoinHostPort(n.conf.ClusterAddr[r], strconv.Itoa(n.conf.ClusterPort[r]))
	}
	link, err := conn.NewLink(&conn.LinkConfig{
		Signer:    n.keyRing,
		BindAddr:  net.JoinHostPort(addr, strconv.Itoa(n.conf.ClusterPort[n.name])),
		Peers:     peers,
		Replicas:  n.replicas,
		BaseSleep: n.conf.BaseSleep,
		Logger:    n.logger.Named("link"),
	})
	if err != nil {
		return err
	}

	clients := make(map[string]string, len(n.conf.ClientAddr))
	for _, c := range n.conf.Clients() {
		clients[c] = net.JoinHostPort(n.conf.ClientAddr[c], strconv.Itoa(n.conf.ClientPort[c]))
	}
	clientLink, err := conn.NewLink(&conn.LinkConfig{
		Signer:    n.keyRing,
		BindAddr:  net.JoinHostPort(addr, strconv.Itoa(n.conf.ClusterClientPort[n.name])),
		Peers:     clients,
		BaseSleep: n.conf.BaseSleep,
		Logger:    n.logger.Named("client-link"),
	})
	if err != nil {
		_ = link.Close()
		return err
	}
	n.SetLinks(link, clientLink)
	n.logger.Debug("links are bound", "replica", link.LocalAddr(), "client", clientLink.LocalAddr())
	return nil
}

// stopped reports whether a receive error means the link was closed.
func (n *Node) stopped(err error) bool {
	return n.ctx.Err() != nil || errors.Is(err, conn.ErrTransportShutdown)
}
