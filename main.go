package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gitzhang10/hdsledger/client"
	"github.com/gitzhang10/hdsledger/config"
	"github.com/gitzhang10/hdsledger/ibft"
	"github.com/spf13/cobra"
)

var (
	rootCmd = &cobra.Command{Use: "hdsledger", Short: "hdsledger is a byzantine fault tolerant ledger"}

	configName string
	timeout    time.Duration
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "start a replica",
	RunE: func(cmd *cobra.Command, args []string) error {
		return startNode()
	},
}

var transferCmd = &cobra.Command{
	Use:   "transfer <receiver> <amount>",
	Short: "transfer funds from the account of the client",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("amount %q: %w", args[1], err)
		}
		return withClient(func(ctx context.Context, c *client.Client) error {
			r, err := c.Transfer(ctx, args[0], amount)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s -> %s %d, position %d\n", r.Status, r.Transaction.Sender,
				r.Transaction.Receiver, r.Transaction.Amount, r.Position)
			return nil
		})
	},
}

var balanceCmd = &cobra.Command{
	Use:   "balance [account]",
	Short: "query the balance of an account, the account of the client by default",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *client.Client) error {
			account := c.Name()
			if len(args) == 1 {
				account = args[0]
			}
			r, err := c.Balance(ctx, account)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s has %d\n", r.Status, r.AccountID, r.Balance)
			return nil
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configName, "config", "config", "name of the configuration file")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "how long a client request may take")
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(transferCmd)
	rootCmd.AddCommand(balanceCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func startNode() error {
	conf, err := config.LoadConfig("", configName)
	if err != nil {
		return err
	}
	if conf.Protocol != "ibft" {
		return errors.New("the protocol is unknown")
	}
	if !conf.IsReplica(conf.Name) {
		return fmt.Errorf("%s is not a replica", conf.Name)
	}
	node := ibft.NewNode(conf)
	if err = node.StartListen(); err != nil {
		return err
	}
	fmt.Println("node starts the IBFT ledger!")
	node.Start()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	s := <-stop
	fmt.Printf("exit command %s received\n", s)
	return node.Stop()
}

func withClient(f func(ctx context.Context, c *client.Client) error) error {
	conf, err := config.LoadConfig("", configName)
	if err != nil {
		return err
	}
	c, err := client.NewClient(conf)
	if err != nil {
		return err
	}
	c.Start()
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return f(ctx, c)
}
