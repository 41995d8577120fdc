package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ipfs/go-datastore"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/relves/cordapps/internal/storage/ledgerdb"
	"github.com/relves/cordapps/internal/storage/sqlite"
	"github.com/relves/cordapps/pkg/flows/gc"
	"github.com/relves/cordapps/pkg/identity"
	"github.com/relves/cordapps/pkg/node"
	"github.com/relves/cordapps/pkg/server"
	"github.com/relves/cordapps/pkg/session"
	"github.com/relves/cordapps/pkg/types"
)

const shutdownTimeout = 10 * time.Second

var (
	flagPort   string
	flagName   string
	flagPeers  string
	flagNotary string
	flagGCAge  time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a node and serve its HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&flagPort, "port", getEnv("PORT", "8080"), "HTTP listen port")
	serveCmd.Flags().StringVar(&flagName, "name", getEnv("NODE_NAME", "PartyA"), "node name")
	serveCmd.Flags().StringVar(&flagPeers, "peers", getEnv("PEERS", ""), "peers as name|did|url, comma separated")
	serveCmd.Flags().StringVar(&flagNotary, "notary", getEnv("NOTARY", "self"), "name of the notary peer, or self")

	gcAge, err := time.ParseDuration(getEnv("CHECKPOINT_MAX_AGE", "24h"))
	if err != nil {
		gcAge = 24 * time.Hour
	}
	serveCmd.Flags().DurationVar(&flagGCAge, "checkpoint-max-age", gcAge, "how long finished co-signing checkpoints are kept")
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := slog.Default()

	signer, ephemeral, err := loadIdentity(os.Getenv("NODE_PRIVATE_KEY"))
	if err != nil {
		return err
	}
	self := node.PartyOf(flagName, signer)

	peers, err := session.ParsePeers(flagPeers)
	if err != nil {
		return err
	}
	notary, err := resolveNotary(flagNotary, self, peers)
	if err != nil {
		return err
	}

	stores := sqlite.NewStoreManager(flagDataPath)
	defer stores.CloseAll()
	store, err := stores.GetStore(flagName)
	if err != nil {
		return fmt.Errorf("failed to open node store: %w", err)
	}

	ledgerPath := "-"
	var ledgerStore datastore.Batching
	if notary.DID == self.DID {
		ds, err := ledgerdb.Open(flagDataPath, flagName)
		if err != nil {
			return err
		}
		defer ds.Close()
		ledgerStore = ds
		ledgerPath = ledgerdb.Dir(flagDataPath, flagName)
	}

	parties := session.Parties(peers)
	transport := session.NewHTTPTransport(self, signer, peers, &http.Client{Timeout: 30 * time.Second})
	n, err := node.New(node.Config{
		Name:        flagName,
		Identity:    signer,
		Store:       store,
		Messenger:   transport,
		Peers:       parties,
		Notary:      notary,
		LedgerStore: ledgerStore,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}

	handler, err := server.NewServer(
		server.WithNode(n),
		server.WithPeers(parties...),
		server.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Cordnode Startup")
	fmt.Fprintln(out, "===================================")
	fmt.Fprintf(out, "Node: %s\n", self.Name)
	fmt.Fprintf(out, "DID: %s\n", self.DID)
	if ephemeral {
		fmt.Fprintln(out, "Key Source: Ephemeral (generated on startup)")
	} else {
		fmt.Fprintln(out, "Key Source: NODE_PRIVATE_KEY environment variable")
	}
	fmt.Fprintf(out, "Notary: %s\n", notary.Name)
	fmt.Fprintf(out, "Peers: %d\n", len(peers))
	fmt.Fprintf(out, "Database: %s\n", store.DBPath())
	fmt.Fprintf(out, "Ledger: %s\n", ledgerPath)
	fmt.Fprintf(out, "Listening on :%s\n", flagPort)

	srv := &http.Server{
		Addr:    ":" + flagPort,
		Handler: handler,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checkpoints := gc.NewManager(gc.Config{
		MaxAge: flagGCAge,
		Logger: logger.With("component", "gc"),
	}, store)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return checkpoints.Run(ctx)
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped", "error", err)
		return err
	}
	logger.Info("server stopped")
	return nil
}

// loadIdentity decodes a base64 ed25519 private key, or generates an
// ephemeral identity when encoded is empty.
func loadIdentity(encoded string) (signer *identity.Signer, ephemeral bool, err error) {
	if encoded == "" {
		signer, err = identity.GenerateSigner()
		return signer, true, err
	}

	priv, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, false, fmt.Errorf("failed to decode NODE_PRIVATE_KEY: %w", err)
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, false, fmt.Errorf("NODE_PRIVATE_KEY must be %d bytes, got %d", ed25519.PrivateKeySize, len(priv))
	}
	signer, err = identity.NewSigner(ed25519.PrivateKey(priv))
	return signer, false, err
}

// resolveNotary maps the NOTARY setting onto a party: "self" or empty is this
// node, anything else names a peer.
func resolveNotary(name string, self types.Party, peers []session.Peer) (types.Party, error) {
	if name == "" || name == "self" || name == self.Name {
		return self, nil
	}
	for _, p := range peers {
		if p.Party.Name == name {
			return p.Party, nil
		}
	}
	return types.Party{}, fmt.Errorf("notary %q is not a configured peer", name)
}
