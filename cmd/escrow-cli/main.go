package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/p2ppsr/babbage-escrow/client"
	"github.com/p2ppsr/babbage-escrow/cmd/internal/passphrase"
	"github.com/p2ppsr/babbage-escrow/config"
	"github.com/p2ppsr/babbage-escrow/crypto"
	"github.com/p2ppsr/babbage-escrow/native/escrow"
)

var (
	configPath   = defaultConfigPath()
	overlayURL   = ""
	overlayToken = os.Getenv("ESCROW_OVERLAY_TOKEN")
	openSession  = dialSession
)

func main() {
	args, err := applyGlobalFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(run(args, os.Stdout, os.Stderr))
}

func defaultConfigPath() string {
	if v := strings.TrimSpace(os.Getenv("ESCROW_CONFIG")); v != "" {
		return v
	}
	return "escrow.toml"
}

// applyGlobalFlags strips --config, --overlay and --token from the front of
// args.
func applyGlobalFlags(args []string) ([]string, error) {
	for len(args) > 0 {
		name, value, inline := strings.Cut(args[0], "=")
		switch name {
		case "--config", "--overlay", "--token":
		default:
			return args, nil
		}
		if !inline {
			if len(args) < 2 {
				return nil, fmt.Errorf("%s requires a value", name)
			}
			value = args[1]
			args = args[1:]
		}
		args = args[1:]
		switch name {
		case "--config":
			configPath = value
		case "--overlay":
			overlayURL = value
		case "--token":
			overlayToken = value
		}
	}
	return args, nil
}

// historian returns the full snapshot history of a contract.
type historian interface {
	History(ctx context.Context, id escrow.ContractID) ([]client.Entry, error)
}

// session bundles the role clients of one wallet.
type session struct {
	cfg       config.GlobalConfig
	signer    client.Signer
	seeker    *client.Seeker
	furnisher *client.Furnisher
	platform  *client.Platform
	history   historian
}

func newSession(cfg config.GlobalConfig, signer client.Signer, b client.Broadcaster, l client.Lookup, h historian) *session {
	builder := func() *client.Builder { return client.NewBuilder(signer, b, l) }
	return &session{
		cfg:       cfg,
		signer:    signer,
		seeker:    client.NewSeeker(builder(), cfg),
		furnisher: client.NewFurnisher(builder(), cfg),
		platform:  client.NewPlatform(builder(), cfg),
		history:   h,
	}
}

// dialSession loads the global config and role keystores and talks to the
// configured overlay over HTTP.
func dialSession() (*session, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	pass, err := passphrase.NewSource(cfg.Wallet.PassphraseEnv, os.Stderr).Get()
	if err != nil {
		return nil, err
	}
	paths := make(map[escrow.Role]string, 3)
	for _, role := range []escrow.Role{escrow.RoleSeeker, escrow.RoleFurnisher, escrow.RolePlatform} {
		paths[role] = cfg.Wallet.KeystorePath(role)
	}
	signer, err := crypto.LoadLocalSigner(paths, pass)
	if err != nil {
		return nil, err
	}
	base := cfg.OverlayURL
	if strings.TrimSpace(overlayURL) != "" {
		base = overlayURL
	}
	overlay := client.NewHTTPClient(base, overlayToken)
	return newSession(*cfg, signer, overlay, overlay, overlay), nil
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
	return cmd(args[1:], stdout, stderr)
}

func usage() string {
	return strings.TrimSpace(`Usage:
  escrow-cli [--config path] [--overlay url] [--token bearer] <command> [flags]

Commands:
  keys             Print the public key of every role
  seek             Open a new contract as seeker
  list             List contracts (--view open|available|mine|disputes|resolved)
  history          Show every snapshot of a contract
  cancel           Cancel a contract before a bid is accepted
  extend           Extend the work completion deadline
  increase         Add funds to a bounty (--as seeker|platform)
  bid              Place a bid as furnisher
  accept           Accept a bid (--as seeker|platform)
  withdraw         Withdraw an accepted bid after the start window lapses
  authorize-start  Co-sign a platform-authorized start of work
  start            Start work as furnisher
  submit           Submit work as furnisher (--adhoc for open bounties)
  approve          Approve submitted work as seeker
  dispute          Raise a dispute (--as seeker|furnisher)
  claim            Claim payment as furnisher
  resolve          Rule on a dispute as platform
`)
}
