/*
Package main in the directory config_gen implements a tool to read configuration from a template,
and generate customized configuration files for each replica and each client.
The generated configuration file particularly contains the public/private keys for TS and ED25519.
*/
package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/gitzhang10/hdsledger/config"
	"github.com/gitzhang10/hdsledger/sign"
	"github.com/spf13/viper"
)

// readStringMap reads a map from member name to address.
func readStringMap(v *viper.Viper, key string) map[string]string {
	m := v.GetStringMapString(key)
	if len(m) == 0 {
		panic(key + " in the config file cannot be decoded correctly")
	}
	return m
}

// readPortMap reads a map from member name to port, every member of names must be present.
func readPortMap(v *viper.Viper, key string, names []string) map[string]int {
	ports := make(map[string]int, len(names))
	for _, name := range names {
		port := v.GetInt(key + "." + name)
		if port == 0 {
			panic(fmt.Sprintf("%s does not match with the members, %s is missing", key, name))
		}
		ports[name] = port
	}
	return ports
}

func main() {
	viperRead := viper.New()
	// for environment variables
	viperRead.SetEnvPrefix("")
	viperRead.AutomaticEnv()
	replacer := strings.NewReplacer(".", "_")
	viperRead.SetEnvKeyReplacer(replacer)
	viperRead.SetConfigName("config_template")
	viperRead.AddConfigPath("./")
	err := viperRead.ReadInConfig()
	if err != nil {
		panic(err)
	}

	clusterIPs := readStringMap(viperRead, "cluster_ips")
	replicas := config.SortedNames(clusterIPs)
	clusterPorts := readPortMap(viperRead, "cluster_ports", replicas)
	clusterClientPorts := readPortMap(viperRead, "cluster_client_ports", replicas)
	clientIPs := readStringMap(viperRead, "client_ips")
	clients := config.SortedNames(clientIPs)
	clientPorts := readPortMap(viperRead, "client_ports", clients)

	// create the ED25519 keys
	privKeysED25519 := make(map[string]string)
	clusterPubKeys := make(map[string]string)
	clientPubKeys := make(map[string]string)
	for _, name := range replicas {
		privKeyED, pubKeyED := sign.GenED25519Keys()
		clusterPubKeys[name] = hex.EncodeToString(pubKeyED)
		privKeysED25519[name] = hex.EncodeToString(privKeyED)
	}
	for _, name := range clients {
		privKeyED, pubKeyED := sign.GenED25519Keys()
		clientPubKeys[name] = hex.EncodeToString(pubKeyED)
		privKeysED25519[name] = hex.EncodeToString(privKeyED)
	}

	// create the threshold signature keys, a quorum of partial signatures makes a proof
	nodeNumber := len(replicas)
	f := (nodeNumber - 1) / 3
	quorum := (nodeNumber+f)/2 + 1
	shares, pubPoly := sign.GenTSKeys(quorum, nodeNumber)
	tsPubKeyAsBytes, err := sign.EncodeTSPublicKey(pubPoly)
	if err != nil {
		panic("fail encode the TSPublicKey")
	}

	// load simple parameter
	common := map[string]interface{}{
		"protocol":         viperRead.GetString("protocol"),
		"log_level":        viperRead.GetInt("log_level"),
		"block_size":       viperRead.GetInt("block_size"),
		"transaction_fee":  viperRead.GetInt64("transaction_fee"),
		"initial_balance":  viperRead.GetInt64("initial_balance"),
		"base_sleep_ms":    viperRead.GetInt64("base_sleep_ms"),
		"round_timeout_ms": viperRead.GetInt64("round_timeout_ms"),
		"leader_rotation":  viperRead.GetInt("leader_rotation"),
	}
	behaviors := viperRead.GetStringMapString("behaviors")

	writeConfig := func(file, name string, extra map[string]interface{}) {
		viperWrite := viper.New()
		viperWrite.SetConfigFile(file)
		for k, v := range common {
			viperWrite.Set(k, v)
		}
		for k, v := range extra {
			viperWrite.Set(k, v)
		}
		viperWrite.Set("name", name)
		viperWrite.Set("privkeyed", privKeysED25519[name])
		viperWrite.Set("cluster_ips", clusterIPs)
		viperWrite.Set("cluster_ports", clusterPorts)
		viperWrite.Set("cluster_client_ports", clusterClientPorts)
		viperWrite.Set("cluster_pubkeyed", clusterPubKeys)
		viperWrite.Set("client_ips", clientIPs)
		viperWrite.Set("client_ports", clientPorts)
		viperWrite.Set("client_pubkeyed", clientPubKeys)
		viperWrite.Set("tspubkey", hex.EncodeToString(tsPubKeyAsBytes))
		if err := viperWrite.WriteConfig(); err != nil {
			panic(err)
		}
	}

	// write to configure files
	for i, name := range replicas {
		shareAsBytes, err := sign.EncodeTSPartialKey(shares[i])
		if err != nil {
			panic("fail encode the share")
		}
		behavior := behaviors[name]
		if behavior == "" {
			behavior = "NONE"
		}
		writeConfig(fmt.Sprintf("node%s.yaml", name), name, map[string]interface{}{
			"tsshare":  hex.EncodeToString(shareAsBytes),
			"behavior": behavior,
		})
	}
	for _, name := range clients {
		writeConfig(fmt.Sprintf("client%s.yaml", name), name, nil)
	}
	fmt.Println("replicas:", replicas, "clients:", clients)
}
