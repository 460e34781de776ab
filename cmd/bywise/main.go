// bywise is the node command: it creates wallets and chains, and runs a
// full node serving the web API, relaying gossip and minting blocks.
package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"

	"github.com/bywise/go-bywise/core"
	"github.com/bywise/go-bywise/crypto"
	"github.com/bywise/go-bywise/crypto/bwsaddr"
	"github.com/bywise/go-bywise/log"
	"github.com/bywise/go-bywise/node"
)

var (
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration `file`",
	}
	datadirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "data `directory` for the chain database (empty: in-memory)",
	}
	chainFlag = &cli.StringSliceFlag{
		Name:    "chain",
		Usage:   "chain `name` to serve (repeatable)",
		EnvVars: []string{"CHAINS"},
	}
	newChainFlag = &cli.StringFlag{
		Name:  "new-chain",
		Usage: "create a genesis block for the named `chain` before starting",
	}
	newWalletFlag = &cli.BoolFlag{
		Name:  "new-wallet",
		Usage: "generate a wallet, print it and exit",
	}
	resetFlag = &cli.BoolFlag{
		Name:  "reset",
		Usage: "wipe the data directory before starting",
	}
	portFlag = &cli.IntFlag{
		Name:    "port",
		Usage:   "web API listening `port`",
		Value:   8080,
		EnvVars: []string{"PORT"},
	}
	hostFlag = &cli.StringFlag{
		Name:    "host",
		Usage:   "public base `URL` announced to peers",
		EnvVars: []string{"HOST"},
	}
	nodesFlag = &cli.StringSliceFlag{
		Name:    "nodes",
		Usage:   "bootnode base `URL` to connect at startup (repeatable)",
		EnvVars: []string{"NODES"},
	}
	keyFlag = &cli.StringFlag{
		Name:    "key",
		Usage:   "wallet private key in `hex`; enables minting",
		EnvVars: []string{"SEED"},
	}
	httpsFlag = &cli.BoolFlag{
		Name:    "https",
		Usage:   "serve the API over TLS",
		EnvVars: []string{"ENABLE_HTTPS"},
	}
	certPathFlag = &cli.StringFlag{
		Name:    "cert",
		Usage:   "TLS certificate `file`",
		EnvVars: []string{"CERT_PATH"},
	}
	keyPathFlag = &cli.StringFlag{
		Name:    "cert-key",
		Usage:   "TLS key `file`",
		EnvVars: []string{"KEY_PATH"},
	}
	initialBalanceFlag = &cli.StringFlag{
		Name:  "initial-balance",
		Usage: "creator balance minted into a new chain",
		Value: "0",
	}
	verbosityFlag = &cli.StringFlag{
		Name:  "verbosity",
		Usage: "log level: trace, debug, info, warn, error",
		Value: "info",
	}
)

func main() {
	app := &cli.App{
		Name:  "bywise",
		Usage: "multi-chain permissioned blockchain node",
		Flags: []cli.Flag{
			configFlag, datadirFlag, chainFlag, newChainFlag, newWalletFlag,
			resetFlag, portFlag, hostFlag, nodesFlag, keyFlag,
			httpsFlag, certPathFlag, keyPathFlag, initialBalanceFlag, verbosityFlag,
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func setupLogging(verbosity string) error {
	lvl, err := log.LvlFromString(verbosity)
	if err != nil {
		return err
	}
	usecolor := isatty.IsTerminal(os.Stderr.Fd())
	handler := log.StreamHandler(os.Stderr, log.TerminalFormat(false))
	if usecolor {
		handler = log.StreamHandler(colorable.NewColorableStderr(), log.TerminalFormat(true))
	}
	log.Root().SetHandler(log.LvlFilterHandler(lvl, handler))
	return nil
}

func newWallet() error {
	key, err := crypto.GenerateKey()
	if err != nil {
		return err
	}
	address := bwsaddr.FromKey(key.PublicKeyHash())
	fmt.Printf("address: %s\n", address)
	fmt.Printf("key:     %s\n", hex.EncodeToString(key.Bytes()))
	return nil
}

func buildConfig(ctx *cli.Context) (node.Config, error) {
	cfg := node.DefaultConfig()
	if path := ctx.String(configFlag.Name); path != "" {
		loaded, err := node.LoadConfig(path)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if ctx.IsSet(datadirFlag.Name) {
		cfg.DataDir = ctx.String(datadirFlag.Name)
	}
	if chains := ctx.StringSlice(chainFlag.Name); len(chains) > 0 {
		cfg.Chains = chains
	}
	if ctx.IsSet(portFlag.Name) {
		cfg.Port = ctx.Int(portFlag.Name)
	}
	if ctx.IsSet(hostFlag.Name) {
		cfg.Host = ctx.String(hostFlag.Name)
	}
	if nodes := ctx.StringSlice(nodesFlag.Name); len(nodes) > 0 {
		cfg.Bootnodes = nodes
	}
	if ctx.IsSet(keyFlag.Name) {
		cfg.KeyHex = ctx.String(keyFlag.Name)
	}
	if ctx.IsSet(httpsFlag.Name) {
		cfg.EnableHTTPS = ctx.Bool(httpsFlag.Name)
	}
	if ctx.IsSet(certPathFlag.Name) {
		cfg.CertPath = ctx.String(certPathFlag.Name)
	}
	if ctx.IsSet(keyPathFlag.Name) {
		cfg.KeyPath = ctx.String(keyPathFlag.Name)
	}
	return cfg, nil
}

func run(ctx *cli.Context) error {
	if err := setupLogging(ctx.String(verbosityFlag.Name)); err != nil {
		return err
	}
	if ctx.Bool(newWalletFlag.Name) {
		return newWallet()
	}

	cfg, err := buildConfig(ctx)
	if err != nil {
		return err
	}
	if ctx.Bool(resetFlag.Name) && cfg.DataDir != "" {
		log.Info("Resetting data directory", "path", cfg.DataDir)
		if err := os.RemoveAll(cfg.DataDir); err != nil {
			return err
		}
	}

	n, err := node.New(cfg)
	if err != nil {
		return err
	}
	if chain := ctx.String(newChainFlag.Name); chain != "" {
		opts := core.GenesisOptions{InitialBalance: ctx.String(initialBalanceFlag.Name)}
		if err := n.InitChain(chain, opts); err != nil {
			return err
		}
	}
	if err := n.Start(); err != nil {
		return err
	}
	defer n.Stop()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("Shutting down")
	return nil
}
