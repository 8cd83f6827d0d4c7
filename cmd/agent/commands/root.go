package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/siddimore/aether-x402/internal/backends"
	"github.com/siddimore/aether-x402/internal/config"
	"github.com/siddimore/aether-x402/internal/logging"
	"github.com/siddimore/aether-x402/pkg/delegation"
	"github.com/siddimore/aether-x402/pkg/keyless"
	"github.com/siddimore/aether-x402/pkg/ledger"
	"github.com/siddimore/aether-x402/pkg/store"
)

// ErrNotLoggedIn is returned when no identity material is stored.
var ErrNotLoggedIn = errors.New("not logged in; run `aether login`")

// flags are the persistent overrides of the environment config.
type flags struct {
	home       string
	passphrase string
	gateway    string
	node       string
	identity   string
}

// environment is what every command runs against. Fields left nil are built
// from config on first use, so tests can inject their own.
type environment struct {
	cfg      *config.Agent
	log      logrus.FieldLogger
	files    *store.FileStore
	sessions delegation.Store
	identity *keyless.Service
	ledger   ledger.Client
	http     *http.Client
	manager  *delegation.Manager

	flags flags
}

// Execute runs the CLI.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return newRootCmd(&environment{}).ExecuteContext(ctx)
}

func newRootCmd(env *environment) *cobra.Command {
	root := &cobra.Command{
		Use:           "aether",
		Short:         "Keyless agent wallet that pays for x402 services",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return env.init(cmd.Context())
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&env.flags.home, "home", "", "state directory (default ~/.aether)")
	pf.StringVarP(&env.flags.passphrase, "passphrase", "p", "", "passphrase sealing identity material at rest")
	pf.StringVar(&env.flags.gateway, "gateway", "", "x402 gateway base URL")
	pf.StringVar(&env.flags.node, "node", "", "ledger REST endpoint")
	pf.StringVar(&env.flags.identity, "identity", "", "account address to act as when several are logged in")

	root.AddCommand(
		loginCmd(env),
		whoamiCmd(env),
		sessionCmd(env),
		callCmd(env),
		logoutCmd(env),
		mcpCmd(env),
	)
	return root
}

func (e *environment) init(ctx context.Context) error {
	if e.cfg == nil {
		cfg, err := config.LoadAgent()
		if err != nil {
			return err
		}
		e.cfg = cfg
	}
	if e.flags.home != "" {
		e.cfg.StateDir = e.flags.home
	}
	if e.flags.passphrase != "" {
		e.cfg.Passphrase = e.flags.passphrase
	}
	if e.flags.gateway != "" {
		e.cfg.GatewayURL = e.flags.gateway
	}
	if e.flags.node != "" {
		e.cfg.NodeURL = e.flags.node
	}

	if e.log == nil {
		e.log = logging.New(e.cfg.Logger())
	}
	if e.http == nil {
		e.http = &http.Client{Timeout: e.cfg.CallTimeout}
	}
	if e.files == nil {
		if err := os.MkdirAll(e.cfg.StateDir, 0o700); err != nil {
			return err
		}
		fs, err := store.NewFileStore(store.FileConfig{Dir: e.cfg.StateDir, Passphrase: e.cfg.Passphrase, Logger: e.log})
		if err != nil {
			return err
		}
		e.files = fs
	}
	if e.sessions == nil {
		if e.cfg.DatabaseURL != "" {
			db, err := store.OpenSQL(ctx, e.cfg.DatabaseURL, e.log)
			if err != nil {
				return err
			}
			if err := db.Migrate(ctx); err != nil {
				return err
			}
			e.sessions = db
		} else {
			e.sessions = e.files
		}
	}
	if e.identity == nil {
		svc, err := keyless.NewService(keyless.ServiceConfig{
			Attestor: keyless.NewHTTPAttestor(keyless.AttestationConfig{PepperURL: e.cfg.AttestationURL}),
			Store:    e.files,
			Logger:   e.log,
		})
		if err != nil {
			return err
		}
		e.identity = svc
	}
	return nil
}

// sessionManager builds the delegation manager; it needs a ledger.
func (e *environment) sessionManager() (*delegation.Manager, error) {
	if e.manager != nil {
		return e.manager, nil
	}
	if e.ledger == nil {
		if e.cfg.NodeURL == "" {
			return nil, errors.New("no ledger configured; set APTOS_NODE_URL or --node")
		}
		client, err := backends.OpenLedger(e.cfg.Ledger, e.log)
		if err != nil {
			return nil, err
		}
		e.ledger = client
	}
	m, err := delegation.NewManager(delegation.ManagerConfig{
		Ledger:     e.ledger,
		Store:      e.sessions,
		Identities: e.identity,
		Logger:     e.log,
	})
	if err != nil {
		return nil, err
	}
	e.manager = m
	return m, nil
}

// signers restores every stored identity that is still usable, by address.
func (e *environment) signers(ctx context.Context) (map[string]*keyless.Signer, error) {
	keys, err := e.files.ListIdentities(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*keyless.Signer, len(keys))
	for _, key := range keys {
		signer, err := e.identity.RestoreSubject(ctx, key)
		if err != nil {
			e.log.WithError(err).WithField("subject", key).Debug("skipping identity")
			continue
		}
		out[signer.Address()] = signer
	}
	return out, nil
}

// signer picks the identity to act as.
func (e *environment) signer(ctx context.Context) (*keyless.Signer, error) {
	all, err := e.signers(ctx)
	if err != nil {
		return nil, err
	}
	if e.flags.identity != "" {
		want, err := keyless.NormalizeAddress(e.flags.identity)
		if err != nil {
			return nil, err
		}
		if s, ok := all[want]; ok {
			return s, nil
		}
		return nil, fmt.Errorf("no usable identity for %s", want)
	}
	switch len(all) {
	case 0:
		return nil, ErrNotLoggedIn
	case 1:
		for _, s := range all {
			return s, nil
		}
	}
	addrs := make([]string, 0, len(all))
	for a := range all {
		addrs = append(addrs, a)
	}
	sort.Strings(addrs)
	return nil, fmt.Errorf("several identities are logged in, pick one with --identity: %v", addrs)
}

// resume loads a session and links it to its owner's signer.
func (e *environment) resume(ctx context.Context, id string) (*delegation.Manager, *delegation.Session, error) {
	m, err := e.sessionManager()
	if err != nil {
		return nil, nil, err
	}
	signer, err := e.signer(ctx)
	if err != nil {
		return nil, nil, err
	}
	s, err := m.Resume(ctx, id, signer)
	if err != nil {
		return nil, nil, err
	}
	return m, s, nil
}

func printSession(w io.Writer, s *delegation.Session) {
	fmt.Fprintf(w, "Session:    %s\n", s.ID)
	fmt.Fprintf(w, "Owner:      %s\n", s.OwnerAddress)
	fmt.Fprintf(w, "State:      %s\n", s.State)
	fmt.Fprintf(w, "Requests:   %d of %d remaining\n", s.RemainingRequests, s.MaxRequests)
	fmt.Fprintf(w, "Allowance:  %s of %s remaining\n", s.RemainingAllowance(), s.TotalAllowance)
	fmt.Fprintf(w, "Expires:    %s\n", s.ExpiresAt.Format("2006-01-02 15:04:05 MST"))
}
