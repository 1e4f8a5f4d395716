// Command mpc-node runs one signing node of the threshold ECDSA quorum.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/kisdex/mpc-node/crypto/hpke"
	"github.com/kisdex/mpc-node/httpclient"
	"github.com/kisdex/mpc-node/protocol"
	"github.com/kisdex/mpc-node/rpc"
	"github.com/kisdex/mpc-node/storage"
	"github.com/kisdex/mpc-node/web"
)

// fileConfig is the optional TOML file carrying the less ergonomic options.
type fileConfig struct {
	Storage         storage.Options `toml:"storage"`
	TripleStockpile *int            `toml:"triple_stockpile"`
}

func main() {
	app := &cli.App{
		Name:  "mpc-node",
		Usage: "threshold ECDSA signing node",
		Commands: []*cli.Command{
			startCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func startCommand() *cli.Command {
	return &cli.Command{
		Name:  "start",
		Usage: "start the signing node",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "account-id", Usage: "this node's account id", Required: true},
			&cli.StringFlag{Name: "rpc-url", Usage: "coordination RPC endpoint", Required: true},
			&cli.StringFlag{Name: "contract-id", Usage: "coordination contract account id", Required: true},
			&cli.StringFlag{Name: "sign-sk", Usage: "hex ed25519 signing seed", Required: true, EnvVars: []string{"MPC_SIGN_SK"}},
			&cli.IntFlag{Name: "web-port", Usage: "port for the node's web surface", Required: true},
			&cli.StringFlag{Name: "cipher-pk", Usage: "hex cipher public key", Required: true},
			&cli.StringFlag{Name: "cipher-sk", Usage: "hex cipher secret key", Required: true, EnvVars: []string{"MPC_CIPHER_SK"}},
			&cli.StringFlag{Name: "my-address", Usage: "publicly reachable address override"},
			&cli.StringFlag{Name: "storage-path", Usage: "path of the secret storage database (memory when empty)"},
			&cli.IntFlag{Name: "triple-stockpile", Usage: "override the triple stockpile size"},
			&cli.StringFlag{Name: "config", Usage: "optional TOML config file"},
		},
		Action: start,
	}
}

func start(c *cli.Context) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Sugar()

	cfg := fileConfig{Storage: storage.Options{Path: c.String("storage-path")}}
	if path := c.String("config"); path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return fmt.Errorf("loading config %s: %w", path, err)
		}
	}
	if c.IsSet("triple-stockpile") {
		stockpile := c.Int("triple-stockpile")
		cfg.TripleStockpile = &stockpile
	}

	signSeed, err := hex.DecodeString(c.String("sign-sk"))
	if err != nil || len(signSeed) != ed25519.SeedSize {
		return fmt.Errorf("sign-sk must be a %d-byte hex seed", ed25519.SeedSize)
	}
	signSK := ed25519.NewKeyFromSeed(signSeed)

	cipherSK, err := hpke.ParseSecretKey(c.String("cipher-sk"))
	if err != nil {
		return err
	}
	cipherPK, err := hpke.ParsePublicKey(c.String("cipher-pk"))
	if err != nil {
		return err
	}
	derived, err := cipherSK.PublicKey()
	if err != nil {
		return err
	}
	if derived != cipherPK {
		return fmt.Errorf("cipher-pk does not match cipher-sk")
	}

	accountID := c.String("account-id")
	secretStorage, err := storage.New(cfg.Storage, accountID)
	if err != nil {
		return err
	}

	signQueue := protocol.NewSignQueue()
	contractClient := rpc.NewClient(http.DefaultClient, c.String("rpc-url"), c.String("contract-id"), accountID, signSK)
	messenger := httpclient.NewClient(http.DefaultClient, signSK)

	receiver := make(chan protocol.MpcMessage, 1024)
	node, state := protocol.Init(protocol.Config{
		AccountID:       accountID,
		ContractClient:  contractClient,
		Messenger:       messenger,
		SecretStorage:   secretStorage,
		SignQueue:       signQueue,
		TripleStockpile: cfg.TripleStockpile,
		Logger:          log,
	}, receiver)

	server := web.NewServer(c.Int("web-port"), receiver, state, signQueue, cipherSK, log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- server.Run(ctx) }()
	go func() { errCh <- node.Run(ctx) }()

	log.Infow("node started",
		"account_id", accountID,
		"web_port", c.Int("web-port"),
		"my_address", c.String("my-address"),
	)

	err = <-errCh
	cancel()
	<-errCh
	if err == context.Canceled {
		return nil
	}
	return err
}
