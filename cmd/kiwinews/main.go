package main

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/kiwinews/kiwinews-go/pkg/clients/nodeClient"
	"github.com/kiwinews/kiwinews-go/pkg/config"
	"github.com/kiwinews/kiwinews-go/pkg/envelope"
	"github.com/kiwinews/kiwinews-go/pkg/keystore"
	"github.com/kiwinews/kiwinews-go/pkg/logger"
	"github.com/kiwinews/kiwinews-go/pkg/message"
	"github.com/kiwinews/kiwinews-go/pkg/signer"
	"github.com/kiwinews/kiwinews-go/pkg/signer/keystoreSigner"
	"github.com/kiwinews/kiwinews-go/pkg/signer/ledgerSigner"
)

func main() {
	app := &cli.App{
		Name:  "kiwinews",
		Usage: "Submit and upvote links on Kiwi News",
		Description: `A command line client for the Kiwi News protocol.

It can:
- Create or import an encrypted Ethereum key for signing
- Submit new links and upvote existing ones
- Sign with a local keystore or a Ledger hardware wallet`,
		Version: "1.0.0",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Create or import the encrypted signing key",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "password",
						Usage:    "Password protecting the key",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "private-key",
						Usage: "Hex private key to import (a fresh key is generated when omitted)",
					},
				},
				Action: initCommand,
			},
			{
				Name:      "submit",
				Usage:     "Submit a new link",
				ArgsUsage: "<href> <title>",
				Flags:     signingFlags(),
				Action:    submitCommand,
			},
			{
				Name:      "vote",
				Usage:     "Upvote an existing link",
				ArgsUsage: "<href>",
				Flags:     signingFlags(),
				Action:    voteCommand,
			},
			{
				Name:   "config",
				Usage:  "Show or change the stored configuration",
				Flags:  configFlags(),
				Action: configCommand,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func signingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "password",
			Usage: "Keystore password (ignored when signing with the ledger)",
		},
		&cli.BoolFlag{
			Name:  "ledger",
			Usage: "Sign with a Ledger device regardless of the stored config",
		},
		&cli.UintFlag{
			Name:  "ledger-index",
			Usage: "Ledger Live address index",
			Value: 0,
		},
		&cli.BoolFlag{
			Name:  "dry-run",
			Usage: "Sign and print the message without submitting it",
		},
	}
}

func configFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:  "show",
			Usage: "Print the current configuration",
		},
		&cli.StringFlag{
			Name:  "endpoint",
			Usage: "Set the node submission URL",
		},
		&cli.StringFlag{
			Name:  "ledger",
			Usage: "Enable or disable ledger signing (true/false)",
		},
		&cli.UintFlag{
			Name:  "index",
			Usage: "Set the Ledger Live address index",
			Value: 0,
		},
		&cli.StringFlag{
			Name:  "keystore",
			Usage: "Set the keystore file path",
		},
		&cli.BoolFlag{
			Name:  "reset",
			Usage: "Reset the configuration to its defaults",
		},
	}
}

func newLogger(c *cli.Context) (*zap.Logger, error) {
	zapLogger, err := logger.NewLogger(&logger.LoggerConfig{Debug: c.Bool("debug")})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return zapLogger, nil
}

// initCommand handles the init subcommand
func initCommand(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if _, err := os.Stat(cfg.PathToKeystore); err == nil {
		return fmt.Errorf("a key already exists at %s; remove it first to start over", cfg.PathToKeystore)
	}

	privateKey, err := resolvePrivateKey(c.String("private-key"))
	if err != nil {
		return err
	}

	container, err := keystore.Encrypt(privateKey, c.String("password"), keystore.StandardScryptN, keystore.StandardScryptP)
	if err != nil {
		return fmt.Errorf("failed to encrypt key: %w", err)
	}
	if err := keystore.Store(cfg.PathToKeystore, container); err != nil {
		return fmt.Errorf("failed to store key: %w", err)
	}

	fmt.Printf("✅ Key stored at: %s\n", cfg.PathToKeystore)
	fmt.Printf("✅ Address: %s\n", crypto.PubkeyToAddress(privateKey.PublicKey).Hex())
	return nil
}

// submitCommand handles the submit subcommand
func submitCommand(c *cli.Context) error {
	if c.NArg() != 2 {
		return fmt.Errorf("usage: kiwinews submit <href> <title>")
	}
	return sendMessage(c, message.KindSubmit, c.Args().Get(0), c.Args().Get(1))
}

// voteCommand handles the vote subcommand
func voteCommand(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("usage: kiwinews vote <href>")
	}
	return sendMessage(c, message.KindVote, c.Args().Get(0), "")
}

// sendMessage builds, signs and submits one message. With --dry-run it
// stops after printing the signed body.
func sendMessage(c *cli.Context, kind message.Kind, href string, title string) error {
	zapLogger, err := newLogger(c)
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	msg, td, err := message.NewBuilder().Build(kind, href, title)
	if err != nil {
		return err
	}

	msgSigner, closeSigner, err := buildSigner(c, cfg, zapLogger)
	if err != nil {
		return err
	}
	defer closeSigner()

	sig, err := msgSigner.SignTypedData(td)
	if err != nil {
		return describeSigningError(err)
	}

	env, err := envelope.Assemble(msg, msgSigner.Address(), sig)
	if err != nil {
		return err
	}

	fmt.Printf("🥝 %s %s\n", msg.Type, msg.Href)
	fmt.Printf("✅ Signed as: %s\n", env.Address.Hex())

	if c.Bool("dry-run") {
		body, err := env.MarshalJSON()
		if err != nil {
			return err
		}
		fmt.Printf("📝 Dry run, not submitting:\n%s\n", body)
		return nil
	}

	client, err := nodeClient.NewClient(&nodeClient.ClientConfig{
		Endpoint: cfg.Endpoint,
		Logger:   zapLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to create node client: %w", err)
	}
	if err := client.Submit(c.Context, env); err != nil {
		return err
	}

	fmt.Printf("✅ Message accepted by %s\n", cfg.Endpoint)
	return nil
}

// buildSigner picks the signing backend: the --ledger flag wins, then the
// stored config. The returned closer releases the device session when one
// was opened.
func buildSigner(c *cli.Context, cfg *config.Config, zapLogger *zap.Logger) (signer.Signer, func(), error) {
	useLedger := cfg.UseLedger || c.Bool("ledger")
	if useLedger {
		index := cfg.LedgerAddressIndex
		if c.IsSet("ledger-index") {
			index = uint32(c.Uint("ledger-index"))
		}

		session, err := ledgerSigner.OpenHID()
		if err != nil {
			return nil, nil, err
		}
		ls, err := ledgerSigner.NewLedgerSigner(session, index, zapLogger)
		if err != nil {
			_ = session.Close()
			return nil, nil, err
		}
		fmt.Printf("🔑 Confirm on your Ledger (%s)\n", ls.Address().Hex())
		return ls, func() { _ = ls.Close() }, nil
	}

	password := c.String("password")
	if password == "" {
		return nil, nil, fmt.Errorf("a keystore password is required; pass --password or enable the ledger")
	}
	ks, err := keystoreSigner.NewKeystoreSignerFromFile(cfg.PathToKeystore, password, zapLogger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open keystore %s: %w", cfg.PathToKeystore, err)
	}
	return ks, func() {}, nil
}

// configCommand handles the config subcommand
func configCommand(c *cli.Context) error {
	if c.Bool("reset") {
		cfg, err := config.Default()
		if err != nil {
			return err
		}
		if err := cfg.Save(); err != nil {
			return err
		}
		fmt.Println("✅ Configuration reset to defaults")
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	changed := false
	if c.IsSet("endpoint") {
		cfg.Endpoint = c.String("endpoint")
		changed = true
	}
	if c.IsSet("ledger") {
		switch strings.ToLower(c.String("ledger")) {
		case "true":
			cfg.UseLedger = true
		case "false":
			cfg.UseLedger = false
		default:
			return fmt.Errorf("--ledger takes true or false, got %q", c.String("ledger"))
		}
		changed = true
	}
	if c.IsSet("index") {
		cfg.LedgerAddressIndex = uint32(c.Uint("index"))
		changed = true
	}
	if c.IsSet("keystore") {
		cfg.PathToKeystore = c.String("keystore")
		changed = true
	}

	if changed {
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := cfg.Save(); err != nil {
			return err
		}
		fmt.Println("✅ Configuration updated")
	}

	if c.Bool("show") || !changed {
		fmt.Printf("endpoint:             %s\n", cfg.Endpoint)
		fmt.Printf("use_ledger:           %t\n", cfg.UseLedger)
		fmt.Printf("ledger_address_index: %d\n", cfg.LedgerAddressIndex)
		fmt.Printf("path_to_keystore:     %s\n", cfg.PathToKeystore)
	}
	return nil
}

// resolvePrivateKey parses an imported key or generates a new one.
func resolvePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	if hexKey == "" {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate key: %w", err)
		}
		return key, nil
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return key, nil
}

// describeSigningError turns signing failures into actionable messages.
func describeSigningError(err error) error {
	var deviceErr *signer.DeviceError
	if errors.As(err, &deviceErr) {
		switch deviceErr.Reason {
		case signer.DeviceNotFound:
			return fmt.Errorf("no Ledger found; connect it, unlock it and open the Ethereum app: %w", err)
		case signer.DeviceLocked:
			return fmt.Errorf("the Ledger is locked or the Ethereum app is closed: %w", err)
		case signer.DeviceRejected:
			return fmt.Errorf("signing was declined on the device: %w", err)
		}
	}
	return err
}
