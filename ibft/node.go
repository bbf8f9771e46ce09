/*
Package ibft implements the consensus engine of the ledger: an IBFT-style protocol with
PRE_PREPARE, PREPARE, COMMIT and ROUND_CHANGE messages, leader rotation and a round-change
timer, together with the service that admits the requests of the clients.
*/
package ibft

import (
	"context"
	"sync"
	"time"

	"github.com/gitzhang10/hdsledger/config"
	"github.com/gitzhang10/hdsledger/ledger"
	"github.com/gitzhang10/hdsledger/message"
	"github.com/gitzhang10/hdsledger/sign"
	"github.com/hashicorp/go-hclog"
	"go.dedis.ch/kyber/v3/share"
	"golang.org/x/sync/errgroup"
)

// decisionPollInterval is how often startConsensus checks whether the previous instance was decided.
const decisionPollInterval = 20 * time.Millisecond

// maxDeferred bounds the PRE_PREPARE messages kept until the local state catches up.
const maxDeferred = 64

// Link is the reliable channel the node exchanges messages through.
type Link interface {
	ID() string
	Send(dest string, msg *message.Message) error
	Broadcast(msg *message.Message) error
	Receive(ctx context.Context) (*message.Message, error)
	Close() error
}

type Node struct {
	name   string
	conf   *config.Config
	lock   sync.Mutex
	logger hclog.Logger

	replicas       []string
	nodeNum        int
	quorumNum      int
	blockSize      int
	leaderRotation int
	roundTimeout   time.Duration
	behavior       Behavior

	leader             string
	consensusInstance  int // the last started instance
	lastDecided        int // every instance up to lastDecided is decided
	accepted           int // accepted transfer requests
	instances          map[int]*InstanceInfo
	receivedPrePrepare map[int]map[int]*message.Message // map from instance to round to the PREPARE sent for it
	deferred           []*message.Message

	prepareBucket     *MessageBucket
	commitBucket      *MessageBucket
	roundChangeBucket *MessageBucket

	ledger   *ledger.Ledger
	requests *RequestQueue
	timer    *RoundTimer

	//Used for ED25519 signature
	keyRing *sign.KeyRing

	//Used for threshold signature
	tsPublicKey  *share.PubPoly
	tsPrivateKey *share.PriShare

	link       Link // replica to replica
	clientLink Link // replica to client

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

func NewNode(conf *config.Config) *Node {
	var n Node
	n.name = conf.Name
	n.conf = conf
	n.logger = conf.Logger("ibft-node-" + conf.Name)

	n.replicas = conf.Replicas()
	n.nodeNum = len(n.replicas)
	n.quorumNum = conf.QuorumSize()
	n.blockSize = conf.BlockSize
	n.leaderRotation = conf.LeaderRotation
	n.roundTimeout = conf.RoundTimeout
	n.behavior = parseBehavior(conf.Behavior)

	n.leader = conf.Leader
	n.instances = make(map[int]*InstanceInfo)
	n.receivedPrePrepare = make(map[int]map[int]*message.Message)

	n.prepareBucket = NewMessageBucket(n.nodeNum)
	n.commitBucket = NewMessageBucket(n.nodeNum)
	n.roundChangeBucket = NewMessageBucket(n.nodeNum)

	// clients start with the initial balance, replicas only earn fees
	accounts := make(map[string]int64)
	for _, c := range conf.Clients() {
		accounts[c] = conf.InitialBalance
	}
	for _, r := range n.replicas {
		accounts[r] = 0
	}
	n.ledger = ledger.New(accounts, conf.TransactionFee)
	n.requests = NewRequestQueue()
	n.timer = NewRoundTimer()

	n.keyRing = conf.KeyRing()
	n.tsPublicKey = conf.TsPublicKey
	n.tsPrivateKey = conf.TsPrivateKey

	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel
	n.group, n.ctx = errgroup.WithContext(ctx)
	return &n
}

// SetLinks plugs the channels the node communicates through.
func (n *Node) SetLinks(link, clientLink Link) {
	n.link = link
	n.clientLink = clientLink
}

// Start runs the message loops and the round timer loop.
func (n *Node) Start() {
	n.logger.Info("node starts", "replicas", n.replicas, "leader", n.leader, "behavior", n.behavior)
	n.group.Go(n.HandleMsgLoop)
	if n.clientLink != nil {
		n.group.Go(n.HandleClientLoop)
	}
	n.group.Go(n.timerLoop)
}

// Stop closes the links and waits for every task of the node.
func (n *Node) Stop() error {
	n.cancel()
	n.timer.Stop()
	var err error
	if n.link != nil {
		err = n.link.Close()
	}
	if n.clientLink != nil {
		if cerr := n.clientLink.Close(); err == nil {
			err = cerr
		}
	}
	_ = n.group.Wait()
	return err
}

func (n *Node) timerLoop() error {
	for {
		select {
		case e := <-n.timer.C():
			n.uponTimerExpiry(e)
		case <-n.ctx.Done():
			return nil
		}
	}
}

// Name returns the identity of the node.
func (n *Node) Name() string {
	return n.name
}

// Leader returns the current leader.
func (n *Node) Leader() string {
	n.lock.Lock()
	defer n.lock.Unlock()
	return n.leader
}

// ConsensusInstance returns the last started instance.
func (n *Node) ConsensusInstance() int {
	n.lock.Lock()
	defer n.lock.Unlock()
	return n.consensusInstance
}

// LastDecided returns the highest instance such that it and all the previous ones are decided.
func (n *Node) LastDecided() int {
	n.lock.Lock()
	defer n.lock.Unlock()
	return n.lastDecided
}

// Instance returns a copy of the state of an instance.
func (n *Node) Instance(instance int) (InstanceInfo, bool) {
	n.lock.Lock()
	defer n.lock.Unlock()
	info, ok := n.instances[instance]
	if !ok {
		return InstanceInfo{}, false
	}
	return *info, true
}

// Ledger returns the ledger of the node.
func (n *Node) Ledger() *ledger.Ledger {
	return n.ledger
}

// Requests returns the queue of pending transfer requests.
func (n *Node) Requests() *RequestQueue {
	return n.requests
}

// instanceLocked returns the state of an instance, created on first touch.
func (n *Node) instanceLocked(instance int) *InstanceInfo {
	info, ok := n.instances[instance]
	if !ok {
		info = NewInstanceInfo(n.leader)
		n.instances[instance] = info
	}
	return info
}

// nextReplica returns the replica following id in the sorted membership, wrapping to the first.
func (n *Node) nextReplica(id string) string {
	return n.successor(id, 1)
}

func (n *Node) successor(id string, steps int) string {
	idx := 0
	for i, r := range n.replicas {
		if r == id {
			idx = i
			break
		}
	}
	return n.replicas[(idx+steps)%n.nodeNum]
}

// leaderOf returns the leader of a round of an instance.
func (n *Node) leaderOf(info *InstanceInfo, round int) string {
	if round < 1 {
		round = 1
	}
	return n.successor(info.BaseLeader, round-1)
}

func (n *Node) armTimerLocked(instance, round int) {
	n.timer.Start(instance, round, n.roundTimeout)
}

// decided reports whether instance and every instance before it are decided.
func (n *Node) decided(instance int) bool {
	n.lock.Lock()
	defer n.lock.Unlock()
	return n.lastDecided >= instance
}

// startConsensus starts the next instance. It waits for the previous instance to be decided,
// then the leader proposes a block and every node arms its round timer.
func (n *Node) startConsensus() {
	n.lock.Lock()
	n.consensusInstance++
	instance := n.consensusInstance
	n.instanceLocked(instance)
	n.lock.Unlock()

	// the lock is released while waiting so that the previous instance can be decided
	for !n.decided(instance - 1) {
		select {
		case <-n.ctx.Done():
			return
		case <-time.After(decisionPollInterval):
		}
	}

	n.lock.Lock()
	defer n.lock.Unlock()

	// rotate the leader every leaderRotation instances
	if n.leaderRotation > 0 && instance%n.leaderRotation == 0 {
		n.leader = n.nextReplica(n.leader)
		n.logger.Info("leader rotation", "instance", instance, "leader", n.leader)
	}
	info := n.instances[instance]
	info.started = true
	if info.LatestRoundChange == -1 {
		info.BaseLeader = n.leader
	}
	if info.Committed() {
		n.logger.Debug("instance already decided", "instance", instance)
		return
	}

	if n.leaderOf(info, info.CurrentRound) == n.name && info.CurrentRound == 1 {
		n.logger.Info("node is leader, sending PRE_PREPARE", "instance", instance)
		block := n.buildBlockLocked()
		if n.behavior == DiffValue {
			block = n.signedBlock(fabricatedBlock(n.name))
		}
		pp := message.NewConsensus(n.name, message.PrePrepareTag, n.proposedInstance(instance), 1,
			&message.PrePrepare{Block: block})
		n.broadcastPrePrepareLocked(pp)
	} else {
		n.logger.Debug("node is not leader, waiting for PRE_PREPARE", "instance", instance)
	}
	n.armTimerLocked(instance, info.CurrentRound)
	n.replayDeferredLocked()
	n.roundChangeRulesLocked(instance)
}
