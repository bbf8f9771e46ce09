/*
Package config implements the type to pass the arguments to a replica or a client
and implements a function to load the parameters from a configuration file.
*/
package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gitzhang10/hdsledger/sign"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/viper"
	"go.dedis.ch/kyber/v3/share"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Default values of the tunables.
const (
	DefaultBlockSize      = 2
	DefaultTransactionFee = 1
	DefaultInitialBalance = 1000
	DefaultBaseSleep      = 200 * time.Millisecond
	DefaultRoundTimeout   = 5 * time.Second
	DefaultLeaderRotation = 5
)

// Config defines a type to describe the configuration.
type Config struct {
	Name     string
	Protocol string
	LogLevel int
	LogFile  string
	Behavior string

	BlockSize      int
	TransactionFee int64
	InitialBalance int64
	BaseSleep      time.Duration
	RoundTimeout   time.Duration
	LeaderRotation int
	Leader         string // the leader of the first instance

	ClusterAddr       map[string]string // map from replica name to address
	ClusterPort       map[string]int    // map from replica name to replica-to-replica port
	ClusterClientPort map[string]int    // map from replica name to client-facing port
	ClientAddr        map[string]string
	ClientPort        map[string]int

	PublicKeyMap map[string]ed25519.PublicKey // replicas and clients
	PrivateKey   ed25519.PrivateKey
	TsPublicKey  *share.PubPoly
	TsPrivateKey *share.PriShare

	logOnce   sync.Once
	logOutput io.Writer
}

// New creates a new variable of type Config for test. Tunables take their default values.
func New(name string, clusterAddr map[string]string, clusterPort, clusterClientPort map[string]int,
	clientAddr map[string]string, clientPort map[string]int, publicKeyMap map[string]ed25519.PublicKey,
	privateKey ed25519.PrivateKey, tsPublicKey *share.PubPoly, tsPrivateKey *share.PriShare, logLevel int) *Config {
	conf := &Config{
		Name:              name,
		Protocol:          "ibft",
		LogLevel:          logLevel,
		ClusterAddr:       clusterAddr,
		ClusterPort:       clusterPort,
		ClusterClientPort: clusterClientPort,
		ClientAddr:        clientAddr,
		ClientPort:        clientPort,
		PublicKeyMap:      publicKeyMap,
		PrivateKey:        privateKey,
		TsPublicKey:       tsPublicKey,
		TsPrivateKey:      tsPrivateKey,
		TransactionFee:    DefaultTransactionFee,
	}
	conf.setDefaults()
	return conf
}

func (c *Config) setDefaults() {
	if c.BlockSize <= 0 {
		c.BlockSize = DefaultBlockSize
	}
	if c.InitialBalance <= 0 {
		c.InitialBalance = DefaultInitialBalance
	}
	if c.BaseSleep <= 0 {
		c.BaseSleep = DefaultBaseSleep
	}
	if c.RoundTimeout <= 0 {
		c.RoundTimeout = DefaultRoundTimeout
	}
	if c.LeaderRotation <= 0 {
		c.LeaderRotation = DefaultLeaderRotation
	}
	if c.Leader == "" {
		if replicas := c.Replicas(); len(replicas) > 0 {
			c.Leader = replicas[0]
		}
	}
}

// LoadConfig loads configuration files by package viper.
// The file is searched in the working directory and then in every extra path.
func LoadConfig(configPrefix, configName string, paths ...string) (*Config, error) {
	viperConfig := viper.New()

	// for environment variables
	viperConfig.SetEnvPrefix(configPrefix)
	viperConfig.AutomaticEnv()
	replacer := strings.NewReplacer(".", "_")
	viperConfig.SetEnvKeyReplacer(replacer)
	viperConfig.SetConfigName(configName)
	viperConfig.AddConfigPath("./")
	for _, p := range paths {
		viperConfig.AddConfigPath(p)
	}

	viperConfig.SetDefault("protocol", "ibft")
	viperConfig.SetDefault("log_level", int(hclog.Info))
	viperConfig.SetDefault("behavior", "NONE")
	viperConfig.SetDefault("block_size", DefaultBlockSize)
	viperConfig.SetDefault("transaction_fee", DefaultTransactionFee)
	viperConfig.SetDefault("initial_balance", DefaultInitialBalance)
	viperConfig.SetDefault("base_sleep_ms", DefaultBaseSleep.Milliseconds())
	viperConfig.SetDefault("round_timeout_ms", DefaultRoundTimeout.Milliseconds())
	viperConfig.SetDefault("leader_rotation", DefaultLeaderRotation)

	if err := viperConfig.ReadInConfig(); err != nil {
		return nil, err
	}

	privKeyED, err := hex.DecodeString(viperConfig.GetString("privkeyed"))
	if err != nil {
		return nil, fmt.Errorf("decode privkeyed: %w", err)
	}

	conf := &Config{
		Name:           viperConfig.GetString("name"),
		Protocol:       viperConfig.GetString("protocol"),
		LogLevel:       viperConfig.GetInt("log_level"),
		LogFile:        viperConfig.GetString("log_file"),
		Behavior:       viperConfig.GetString("behavior"),
		BlockSize:      viperConfig.GetInt("block_size"),
		TransactionFee: viperConfig.GetInt64("transaction_fee"),
		InitialBalance: viperConfig.GetInt64("initial_balance"),
		BaseSleep:      time.Duration(viperConfig.GetInt64("base_sleep_ms")) * time.Millisecond,
		RoundTimeout:   time.Duration(viperConfig.GetInt64("round_timeout_ms")) * time.Millisecond,
		LeaderRotation: viperConfig.GetInt("leader_rotation"),
		Leader:         viperConfig.GetString("leader"),
		PrivateKey:     privKeyED,
		PublicKeyMap:   make(map[string]ed25519.PublicKey),
	}

	// the threshold keys are optional, a cluster without them decides without proofs
	if tsPubKeyAsString := viperConfig.GetString("tspubkey"); tsPubKeyAsString != "" {
		tsPubKeyAsBytes, err := hex.DecodeString(tsPubKeyAsString)
		if err != nil {
			return nil, fmt.Errorf("decode tspubkey: %w", err)
		}
		if conf.TsPublicKey, err = sign.DecodeTSPublicKey(tsPubKeyAsBytes); err != nil {
			return nil, err
		}
	}
	if tsShareAsString := viperConfig.GetString("tsshare"); tsShareAsString != "" {
		tsShareAsBytes, err := hex.DecodeString(tsShareAsString)
		if err != nil {
			return nil, fmt.Errorf("decode tsshare: %w", err)
		}
		if conf.TsPrivateKey, err = sign.DecodeTSPartialKey(tsShareAsBytes); err != nil {
			return nil, err
		}
	}

	conf.ClusterAddr, conf.ClusterPort, err = readMembers(viperConfig, "cluster_ips", "cluster_ports", "cluster_pubkeyed", conf.PublicKeyMap)
	if err != nil {
		return nil, err
	}
	conf.ClusterClientPort = make(map[string]int, len(conf.ClusterAddr))
	for name := range conf.ClusterAddr {
		conf.ClusterClientPort[name] = viperConfig.GetInt("cluster_client_ports." + name)
	}
	conf.ClientAddr, conf.ClientPort, err = readMembers(viperConfig, "client_ips", "client_ports", "client_pubkeyed", conf.PublicKeyMap)
	if err != nil {
		return nil, err
	}
	if len(conf.ClusterAddr) == 0 {
		return nil, fmt.Errorf("config %s lists no replica", configName)
	}

	conf.setDefaults()
	return conf, nil
}

// readMembers reads the address, port and public key of every member listed under pubKeyKey.
func readMembers(v *viper.Viper, ipsKey, portsKey, pubKeyKey string, pubKeyMap map[string]ed25519.PublicKey) (map[string]string, map[string]int, error) {
	pubKeyMapString := v.GetStringMapString(pubKeyKey)
	addrs := make(map[string]string, len(pubKeyMapString))
	ports := make(map[string]int, len(pubKeyMapString))
	for name, pkAsString := range pubKeyMapString {
		pubKey, err := hex.DecodeString(pkAsString)
		if err != nil || len(pubKey) != ed25519.PublicKeySize {
			return nil, nil, fmt.Errorf("public key of %s in the config file cannot be decoded correctly", name)
		}
		pubKeyMap[name] = pubKey
		addrs[name] = v.GetString(ipsKey + "." + name)
		ports[name] = v.GetInt(portsKey + "." + name)
		if addrs[name] == "" || ports[name] == 0 {
			return nil, nil, fmt.Errorf("no address for %s in %s/%s", name, ipsKey, portsKey)
		}
	}
	return addrs, ports, nil
}

// Replicas returns the sorted names of the replicas.
func (c *Config) Replicas() []string {
	return SortedNames(c.ClusterAddr)
}

// Clients returns the sorted names of the clients.
func (c *Config) Clients() []string {
	return SortedNames(c.ClientAddr)
}

// IsReplica reports whether name is a replica of the cluster.
func (c *Config) IsReplica(name string) bool {
	_, ok := c.ClusterAddr[name]
	return ok
}

// F is the maximum number of Byzantine replicas tolerated. Clients never count.
func (c *Config) F() int {
	return (len(c.ClusterAddr) - 1) / 3
}

// QuorumSize is the number of matching votes needed for a decision.
func (c *Config) QuorumSize() int {
	return (len(c.ClusterAddr)+c.F())/2 + 1
}

// ExistsCorrectSize is the size of a set that contains at least one correct replica.
func (c *Config) ExistsCorrectSize() int {
	return c.F() + 1
}

// KeyRing builds the signer of this process from the configured keys.
func (c *Config) KeyRing() *sign.KeyRing {
	return sign.NewKeyRing(c.Name, c.PrivateKey, c.PublicKeyMap)
}

// Logger creates a named logger honoring log_level and log_file.
func (c *Config) Logger(name string) hclog.Logger {
	c.logOnce.Do(func() {
		c.logOutput = hclog.DefaultOutput
		if c.LogFile != "" {
			c.logOutput = &lumberjack.Logger{
				Filename:   c.LogFile,
				MaxSize:    64, // megabytes
				MaxBackups: 3,
				Compress:   true,
			}
		}
	})
	return hclog.New(&hclog.LoggerOptions{
		Name:   name,
		Output: c.logOutput,
		Level:  hclog.Level(c.LogLevel),
	})
}

// SortedNames returns the names of m, shorter names first, so numeric ids sort numerically.
func SortedNames(m map[string]string) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) < len(names[j])
		}
		return names[i] < names[j]
	})
	return names
}
