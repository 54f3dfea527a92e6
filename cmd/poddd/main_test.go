package main

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ymode/SyntheticCoin-SYNC/internal/config"
	"github.com/ymode/SyntheticCoin-SYNC/internal/fingerprint"
	"github.com/ymode/SyntheticCoin-SYNC/pkg/log"
)

func testConfig() *config.Config {
	return &config.Config{
		ServiceName:           "test-poddd",
		Version:               "test",
		ListenAddr:            "127.0.0.1",
		ListenPort:            0,
		ReadTimeout:           5 * time.Second,
		WriteTimeout:          5 * time.Second,
		IdleTimeout:           5 * time.Second,
		KafkaGroupID:          "test",
		OwnerNetwork:          "regtest",
		MinSquadSize:          2,
		MaxSquadSize:          10,
		SimilarityThreshold:   0.9,
		RewardCooldown:        time.Hour,
		VerificationCacheSize: 16,
		VerificationCacheTTL:  time.Second,
		ActiveWindow:          10 * time.Minute,
		HashrateWindow:        10 * time.Minute,
		WorkerPoolSize:        2,
		ShareQueueSize:        16,
		LogLevel:              "error",
		LogFormat:             "json",
	}
}

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	d, err := NewDaemon(testConfig(), log.Nop(), prometheus.NewRegistry(), prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("NewDaemon() error = %v", err)
	}
	return d
}

func TestNewDaemon(t *testing.T) {
	d := newTestDaemon(t)

	if d.registry == nil || d.engine == nil || d.squads == nil || d.owners == nil {
		t.Fatal("NewDaemon() left core services unset")
	}
	if d.ingester == nil {
		t.Error("NewDaemon() did not create ingester")
	}
	if d.store == nil {
		t.Error("NewDaemon() did not create store manager")
	}
	if d.kafka != nil {
		t.Error("NewDaemon() created a Kafka client without brokers")
	}
	if d.server.Addr != "127.0.0.1:0" {
		t.Errorf("server addr = %q, want 127.0.0.1:0", d.server.Addr)
	}
}

func TestNewDaemon_InvalidNetwork(t *testing.T) {
	cfg := testConfig()
	cfg.OwnerNetwork = "nowhere"

	if _, err := NewDaemon(cfg, log.Nop(), prometheus.NewRegistry(), prometheus.NewRegistry()); err == nil {
		t.Error("NewDaemon() expected error for unknown owner network")
	}
}

func TestDaemon_handleKafkaShare(t *testing.T) {
	d := newTestDaemon(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.ingester.Start(ctx)

	if err := d.registry.Register("rig-1", &fingerprint.Fingerprint{IPAddress: "10.0.0.1"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{"malformed", `{not json`, true},
		{"unknown device", `{"device_id":"ghost","timestamp_us":100,"hashrate":5}`, true},
		{"registered device", `{"device_id":"rig-1","timestamp_us":100,"hashrate":5}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := d.handleKafkaShare(ctx, "", []byte(tt.value))
			if (err != nil) != tt.wantErr {
				t.Errorf("handleKafkaShare() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	if got := d.registry.GetDeviceHashrate("rig-1"); got != 5 {
		t.Errorf("hashrate after share = %v, want 5", got)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := d.ingester.Shutdown(shutdownCtx); err != nil {
		t.Errorf("ingester Shutdown() error = %v", err)
	}
}

func TestDaemon_StartAndShutdown(t *testing.T) {
	d := newTestDaemon(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Start(ctx)
	}()

	select {
	case <-d.Ready():
	case err := <-errCh:
		t.Fatalf("Start() returned early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not become ready")
	}

	resp, err := http.Get("http://" + d.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /healthz status = %d, want 200", resp.StatusCode)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := d.Shutdown(shutdownCtx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Start() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("Start() did not return after Shutdown")
	}
}
