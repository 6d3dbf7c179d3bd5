package main

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"payhooks/internal/config"
	"payhooks/internal/store"
)

func TestOpenStoreSeedsDevOrders(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	cfg := config.Default()
	cfg.Inbound.DevOrderKeys = map[string]string{"ord-1": "key-1"}

	st, closeStore, err := openStore(context.Background(), cfg, log)
	if err != nil {
		t.Fatal(err)
	}
	defer closeStore()
	key, err := st.OrderSecurityKey(context.Background(), "ord-1")
	if err != nil || key != "key-1" {
		t.Fatalf("got %q %v", key, err)
	}
	if _, err := st.OrderSecurityKey(context.Background(), "ord-2"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unseeded order: %v", err)
	}
}
