package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/viper"

	apperrors "github.com/HarrisonFulford/cacheout/internal/errors"
	"github.com/HarrisonFulford/cacheout/pkg/client"
)

// newAPIClient builds a scheduler client from the --server, --admin-token
// and --timeout settings.
func newAPIClient() (*client.Client, error) {
	server := strings.TrimSpace(viper.GetString("client.server"))
	if server == "" {
		return nil, exitError(foundry.ExitInvalidArgument, "server", fmt.Errorf("no server configured (use --server or CACHEOUT_SERVER)"))
	}

	timeout := client.DefaultTimeout
	if raw := viper.GetString("client.timeout"); raw != "" && raw != "0s" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, exitError(foundry.ExitInvalidArgument, "timeout", err)
		}
		timeout = d
	}

	c, err := client.New(server,
		client.WithHTTPClient(&http.Client{Timeout: timeout}),
		client.WithAdminToken(viper.GetString("client.admin_token")),
	)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "server", err)
	}
	return c, nil
}

// apiError maps a client failure onto an exit code.
func apiError(op string, err error) error {
	return exitError(apperrors.ExitCode(err), op, err)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return exitError(foundry.ExitFileWriteError, "write output", err)
	}
	return nil
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func shortJobID(jobID string) string {
	jobID = strings.TrimSpace(jobID)
	if len(jobID) <= 12 {
		return jobID
	}
	return jobID[:12]
}

func printLogTail(w io.Writer, path string, tailN int) error {
	f, err := os.Open(path)
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "open log", err)
	}
	defer func() { _ = f.Close() }()

	if tailN <= 0 {
		_, err := io.Copy(w, f)
		return err
	}

	lines, err := tailLines(f, tailN)
	if err != nil {
		return exitError(foundry.ExitFileReadError, "read log", err)
	}
	for _, line := range lines {
		_, _ = fmt.Fprintln(w, line)
	}
	return nil
}

func tailLines(r io.Reader, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	scanner := bufio.NewScanner(r)
	buf := make([]string, 0, n)
	for scanner.Scan() {
		line := scanner.Text()
		if len(buf) < n {
			buf = append(buf, line)
			continue
		}
		copy(buf, buf[1:])
		buf[n-1] = line
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return buf, nil
}
