// Command poddctl is a command line client for the poddd HTTP API.
package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/ymode/SyntheticCoin-SYNC/internal/fingerprint"
	"github.com/ymode/SyntheticCoin-SYNC/internal/registry"
)

type options struct {
	Server  string        `short:"s" long:"server" env:"PODD_SERVER" default:"http://127.0.0.1:8335" description:"poddd API address"`
	Timeout time.Duration `long:"timeout" default:"10s" description:"Per-request timeout"`
	Retries int           `long:"retries" default:"2" description:"Retries on transient server errors"`
}

type app struct {
	opts options
	out  io.Writer
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		var fe *flags.Error
		if errors.As(err, &fe) && fe.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	a := &app{out: out}
	parser := flags.NewParser(&a.opts, flags.HelpFlag|flags.PassDoubleDash)

	commands := []struct {
		name, short string
		data        any
		aliases     []string
	}{
		{"register", "Register a device fingerprint", &registerCmd{app: a}, nil},
		{"update", "Fold one share of telemetry into a device fingerprint", &shareCmd{app: a}, []string{"share"}},
		{"device", "Show a registered device", &deviceCmd{app: a}, nil},
		{"multiplier", "Show a device's reward multiplier", &multiplierCmd{app: a}, nil},
		{"hashrate", "Show a device's hashrate", &hashrateCmd{app: a}, nil},
		{"verify", "Verify that devices are physically distinct", &verifyCmd{app: a}, nil},
		{"spoofing", "Check devices for spoofing", &spoofingCmd{app: a}, nil},
		{"formsquad", "Form a squad from verified devices", &formSquadCmd{app: a}, nil},
		{"squad", "Show a squad", &squadCmd{app: a}, nil},
		{"squads", "List squads", &squadsCmd{app: a}, nil},
		{"squad-add", "Add a device to a squad", &squadAddCmd{app: a}, nil},
		{"squad-remove", "Remove a device from a squad", &squadRemoveCmd{app: a}, nil},
		{"block-found", "Record a block found by a squad", &blockFoundCmd{app: a}, nil},
		{"reward", "Show a member's share of a squad reward", &rewardCmd{app: a}, nil},
		{"own", "Record device ownership", &ownCmd{app: a}, nil},
		{"owned", "List devices owned by an address", &ownedCmd{app: a}, nil},
		{"transfer", "Transfer device ownership", &transferCmd{app: a}, nil},
		{"stats", "Show registry statistics", &statsCmd{app: a}, nil},
		{"health", "Check daemon health", &healthCmd{app: a}, nil},
	}
	for _, c := range commands {
		cmd, err := parser.AddCommand(c.name, c.short, "", c.data)
		if err != nil {
			return err
		}
		cmd.Aliases = c.aliases
	}

	_, err := parser.ParseArgs(args)
	return err
}

// call performs one API request and prints the indented JSON response.
func (a *app) call(method, path string, body any) error {
	client, err := newAPIClient(a.opts.Server, a.opts.Timeout, a.opts.Retries)
	if err != nil {
		return err
	}

	data, err := client.do(context.Background(), method, path, body)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		buf.Reset()
		buf.Write(data)
	}
	buf.WriteByte('\n')
	_, err = a.out.Write(buf.Bytes())
	return err
}

func wantArgs(args []string, n int, usage string) error {
	if len(args) != n {
		return fmt.Errorf("usage: %s", usage)
	}
	return nil
}

func wantAtLeast(args []string, n int, usage string) error {
	if len(args) < n {
		return fmt.Errorf("usage: %s", usage)
	}
	return nil
}

func esc(s string) string {
	return url.PathEscape(s)
}

// decodeSignature accepts the base64 form printed by signmessage.
func decodeSignature(s string) ([]byte, error) {
	sig, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding signature: %w", err)
	}
	return sig, nil
}

type registerCmd struct {
	app *app

	File            string  `short:"f" long:"file" description:"Read the fingerprint from a JSON file"`
	IP              string  `long:"ip" description:"Device IP address"`
	AvgNonceTimeUS  uint64  `long:"avg-nonce-time" description:"Average nonce time in microseconds"`
	TimingVariance  uint64  `long:"timing-variance" description:"Nonce timing variance in microseconds"`
	LatencyMS       float64 `long:"latency" description:"Average network latency in milliseconds"`
	Firmware        string  `long:"firmware" description:"Firmware version"`
	ChipCount       uint32  `long:"chips" description:"Hashing chip count"`
	PowerWatts      float64 `long:"power" description:"Power consumption in watts"`
	AverageHashrate float64 `long:"hashrate" description:"Average hashrate"`
}

func (c *registerCmd) Execute(args []string) error {
	if err := wantArgs(args, 1, "register [options] <device-id>"); err != nil {
		return err
	}

	fp := fingerprint.Fingerprint{
		IPAddress:             c.IP,
		AvgNonceTimeUS:        c.AvgNonceTimeUS,
		TimingVarianceUS:      c.TimingVariance,
		AvgLatencyMS:          c.LatencyMS,
		FirmwareVersion:       c.Firmware,
		ChipCount:             c.ChipCount,
		PowerConsumptionWatts: c.PowerWatts,
		AverageHashrate:       c.AverageHashrate,
	}
	if c.File != "" {
		data, err := os.ReadFile(c.File)
		if err != nil {
			return fmt.Errorf("reading fingerprint: %w", err)
		}
		if err := json.Unmarshal(data, &fp); err != nil {
			return fmt.Errorf("decoding fingerprint: %w", err)
		}
	}

	return c.app.call(http.MethodPost, "/v1/devices", map[string]any{
		"device_id":   args[0],
		"fingerprint": fp,
	})
}

type shareCmd struct {
	app *app

	Nonce       uint64  `long:"nonce" description:"Share nonce"`
	TimestampUS uint64  `long:"timestamp" description:"Share timestamp in microseconds (default now)"`
	Difficulty  float64 `long:"difficulty" description:"Share difficulty"`
	BlockHash   string  `long:"block-hash" description:"Block hash when the share solved a block"`
	Hashrate    float64 `long:"hashrate" description:"Reported hashrate"`
	Temperature float64 `long:"temperature" description:"Device temperature in Celsius"`
	PowerWatts  float64 `long:"power" description:"Power draw in watts"`
	IP          string  `long:"ip" description:"Source IP address"`
	LatencyMS   float64 `long:"latency" description:"Network latency in milliseconds"`
}

func (c *shareCmd) Execute(args []string) error {
	if err := wantArgs(args, 1, "update [options] <device-id>"); err != nil {
		return err
	}

	ts := c.TimestampUS
	if ts == 0 {
		ts = uint64(time.Now().UnixMicro())
	}
	share := fingerprint.Share{
		DeviceID:    args[0],
		Nonce:       c.Nonce,
		TimestampUS: ts,
		Difficulty:  c.Difficulty,
		BlockHash:   c.BlockHash,
		Hashrate:    c.Hashrate,
		Temperature: c.Temperature,
		PowerWatts:  c.PowerWatts,
		IPAddress:   c.IP,
		LatencyMS:   c.LatencyMS,
	}
	return c.app.call(http.MethodPost, "/v1/devices/"+esc(args[0])+"/shares", share)
}

type deviceCmd struct{ app *app }

func (c *deviceCmd) Execute(args []string) error {
	if err := wantArgs(args, 1, "device <device-id>"); err != nil {
		return err
	}
	return c.app.call(http.MethodGet, "/v1/devices/"+esc(args[0]), nil)
}

type multiplierCmd struct{ app *app }

func (c *multiplierCmd) Execute(args []string) error {
	if err := wantArgs(args, 1, "multiplier <device-id>"); err != nil {
		return err
	}
	return c.app.call(http.MethodGet, "/v1/devices/"+esc(args[0])+"/multiplier", nil)
}

type hashrateCmd struct{ app *app }

func (c *hashrateCmd) Execute(args []string) error {
	if err := wantArgs(args, 1, "hashrate <device-id>"); err != nil {
		return err
	}
	return c.app.call(http.MethodGet, "/v1/devices/"+esc(args[0])+"/hashrate", nil)
}

type verifyCmd struct{ app *app }

func (c *verifyCmd) Execute(args []string) error {
	if err := wantAtLeast(args, 1, "verify <device-id>..."); err != nil {
		return err
	}
	return c.app.call(http.MethodPost, "/v1/verify", map[string][]string{"device_ids": args})
}

type spoofingCmd struct{ app *app }

func (c *spoofingCmd) Execute(args []string) error {
	if err := wantAtLeast(args, 1, "spoofing <device-id>..."); err != nil {
		return err
	}
	return c.app.call(http.MethodPost, "/v1/spoofing", map[string][]string{"device_ids": args})
}

type formSquadCmd struct{ app *app }

func (c *formSquadCmd) Execute(args []string) error {
	if err := wantAtLeast(args, 1, "formsquad <device-id>..."); err != nil {
		return err
	}
	return c.app.call(http.MethodPost, "/v1/squads", map[string][]string{"device_ids": args})
}

type squadCmd struct{ app *app }

func (c *squadCmd) Execute(args []string) error {
	if err := wantArgs(args, 1, "squad <squad-id>"); err != nil {
		return err
	}
	return c.app.call(http.MethodGet, "/v1/squads/"+esc(args[0]), nil)
}

type squadsCmd struct{ app *app }

func (c *squadsCmd) Execute([]string) error {
	return c.app.call(http.MethodGet, "/v1/squads", nil)
}

type squadAddCmd struct{ app *app }

func (c *squadAddCmd) Execute(args []string) error {
	if err := wantArgs(args, 2, "squad-add <squad-id> <device-id>"); err != nil {
		return err
	}
	return c.app.call(http.MethodPost, "/v1/squads/"+esc(args[0])+"/members",
		map[string]string{"device_id": args[1]})
}

type squadRemoveCmd struct{ app *app }

func (c *squadRemoveCmd) Execute(args []string) error {
	if err := wantArgs(args, 2, "squad-remove <squad-id> <device-id>"); err != nil {
		return err
	}
	return c.app.call(http.MethodDelete, "/v1/squads/"+esc(args[0])+"/members/"+esc(args[1]), nil)
}

type blockFoundCmd struct{ app *app }

func (c *blockFoundCmd) Execute(args []string) error {
	if err := wantArgs(args, 1, "block-found <squad-id>"); err != nil {
		return err
	}
	return c.app.call(http.MethodPost, "/v1/squads/"+esc(args[0])+"/blocks", nil)
}

type rewardCmd struct{ app *app }

func (c *rewardCmd) Execute(args []string) error {
	if err := wantArgs(args, 2, "reward <squad-id> <device-id>"); err != nil {
		return err
	}
	return c.app.call(http.MethodGet, "/v1/squads/"+esc(args[0])+"/rewards/"+esc(args[1]), nil)
}

type ownCmd struct {
	app *app

	Owner        string  `long:"owner" required:"true" description:"Owner address"`
	Manufacturer string  `long:"manufacturer" description:"Device manufacturer"`
	Model        string  `long:"model" description:"Device model"`
	Serial       string  `long:"serial" description:"Serial number"`
	Firmware     string  `long:"firmware" description:"Firmware version"`
	ChipCount    uint32  `long:"chips" description:"Hashing chip count"`
	MaxHashrate  float64 `long:"max-hashrate" description:"Rated hashrate in GH/s"`
	Signature    string  `long:"signature" description:"Base64 signmessage proof from the owner address"`
}

func (c *ownCmd) Execute(args []string) error {
	if err := wantArgs(args, 1, "own --owner <address> [options] <device-id>"); err != nil {
		return err
	}

	rec := registry.Ownership{
		DeviceID:        args[0],
		Manufacturer:    c.Manufacturer,
		Model:           c.Model,
		SerialNumber:    c.Serial,
		FirmwareVersion: c.Firmware,
		ChipCount:       c.ChipCount,
		MaxHashrateGHS:  c.MaxHashrate,
		OwnerAddress:    c.Owner,
	}
	if c.Signature != "" {
		sig, err := decodeSignature(c.Signature)
		if err != nil {
			return err
		}
		rec.Signature = sig
	}
	return c.app.call(http.MethodPost, "/v1/owners", rec)
}

type ownedCmd struct{ app *app }

func (c *ownedCmd) Execute(args []string) error {
	switch len(args) {
	case 1:
		return c.app.call(http.MethodGet, "/v1/owners/"+esc(args[0])+"/devices", nil)
	case 2:
		return c.app.call(http.MethodGet, "/v1/owners/"+esc(args[0])+"/devices/"+esc(args[1]), nil)
	default:
		return errors.New("usage: owned <address> [device-id]")
	}
}

type transferCmd struct {
	app *app

	From      string `long:"from" required:"true" description:"Current owner address"`
	To        string `long:"to" required:"true" description:"New owner address"`
	Signature string `long:"signature" description:"Base64 signmessage proof from the current owner"`
}

func (c *transferCmd) Execute(args []string) error {
	if err := wantArgs(args, 1, "transfer --from <address> --to <address> <device-id>"); err != nil {
		return err
	}

	req := map[string]any{"from": c.From, "to": c.To}
	if c.Signature != "" {
		sig, err := decodeSignature(c.Signature)
		if err != nil {
			return err
		}
		req["signature"] = sig
	}
	return c.app.call(http.MethodPost, "/v1/devices/"+esc(args[0])+"/transfer", req)
}

type statsCmd struct{ app *app }

func (c *statsCmd) Execute([]string) error {
	return c.app.call(http.MethodGet, "/v1/stats", nil)
}

type healthCmd struct{ app *app }

func (c *healthCmd) Execute([]string) error {
	return c.app.call(http.MethodGet, "/healthz", nil)
}
