package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/toolfront/toolfront/pkg/gateway"
	"github.com/toolfront/toolfront/pkg/profile"
	"github.com/toolfront/toolfront/pkg/store"
	"github.com/toolfront/toolfront/pkg/store/sqlite"
	"github.com/toolfront/toolfront/pkg/transport"
	"github.com/toolfront/toolfront/pkg/wire"
)

func main() {
	dbPath := os.Getenv("TOOLFRONT_DB")
	if dbPath == "" {
		dbPath = "toolfront.db"
	}
	addr := os.Getenv("TOOLFRONT_ADDR")
	if addr == "" {
		addr = ":8700"
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := sqlite.Open(ctx, dbPath)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()

	if err := seedExample(ctx, st); err != nil {
		log.Fatalf("failed to seed example data: %v", err)
	}

	// A small extension compiled into the gateway, reachable through the
	// same profile machinery as network backends.
	echo := transport.NewInProcessAdapter()
	echo.RegisterTool(wire.Tool{
		Name:        "echo",
		Description: "Echo the provided message back to the caller.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"message": map[string]any{"type": "string"},
			},
			"required": []any{"message"},
		},
	}, func(_ context.Context, args map[string]any) (any, error) {
		return wire.CallToolResult{Content: []map[string]any{
			{"type": "text", "text": args["message"]},
		}}, nil
	})

	factory := profile.NewAdapterFactory(&transport.Options{Logger: logger},
		map[string]transport.Adapter{"local-echo": echo})
	agg := profile.New(st, factory, &profile.Options{Logger: logger})
	defer agg.Close()

	gw, err := gateway.New(agg, st, &gateway.Options{Addr: addr, Logger: logger})
	if err != nil {
		log.Fatalf("failed to build gateway: %v", err)
	}

	logger.Info("gateway serving profiles", "addr", addr, "db", dbPath)
	if err := gw.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("gateway server stopped: %v", err)
	}
}

// seedExample makes a fresh database usable out of the box: one profile
// backed by the in-process echo extension. Existing data is left alone.
func seedExample(ctx context.Context, st store.Store) error {
	if _, err := st.GetProfileByName(ctx, "default"); err == nil {
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	server := &store.ServerConfig{Name: "local-echo", Kind: store.KindExtension}
	if err := st.CreateServer(ctx, server); err != nil && !errors.Is(err, store.ErrAlreadyExists) {
		return err
	}
	prof := &store.Profile{Name: "default", Description: "Example profile"}
	if err := st.CreateProfile(ctx, prof); err != nil {
		return err
	}
	return st.CreateAssignment(ctx, &store.Assignment{
		ProfileID: prof.ID,
		ServerID:  server.ID,
		IsActive:  true,
	})
}
