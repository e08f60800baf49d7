package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/myrientdl/myrientdl/internal/config"
	"github.com/myrientdl/myrientdl/internal/store"
)

// portFilePath is where a running daemon publishes the port its control
// listener is bound to, so other invocations of this binary can find it.
func portFilePath() string {
	return filepath.Join(config.Dir(), "port")
}

// readActivePort returns the port recorded in the port file, or 0 if the
// file is missing or unparseable. It does not check that a daemon is still
// listening there; a file left behind by an exited daemon is returned as is.
func readActivePort() int {
	data, err := os.ReadFile(portFilePath())
	if err != nil {
		return 0
	}
	var port int
	fmt.Sscanf(string(data), "%d", &port)
	return port
}

func saveActivePort(port int) {
	os.WriteFile(portFilePath(), []byte(fmt.Sprintf("%d", port)), 0o644)
}

func removeActivePort() {
	os.Remove(portFilePath())
}

// daemonClient talks to a running daemon's control listener over loopback
// HTTP. Every cmd/*.go file falls back to opening the store directly when
// port is 0.
type daemonClient struct {
	port int
}

func dialDaemon() *daemonClient {
	port := readActivePort()
	if port == 0 {
		return nil
	}
	return &daemonClient{port: port}
}

func (c *daemonClient) url(path string) string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", c.port, path)
}

func (c *daemonClient) post(path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	resp, err := http.Post(c.url(path), "application/json", reader)
	if err != nil {
		return fmt.Errorf("could not reach daemon: %w", err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func (c *daemonClient) get(path string, out interface{}) error {
	resp, err := http.Get(c.url(path))
	if err != nil {
		return fmt.Errorf("could not reach daemon: %w", err)
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out interface{}) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon returned %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

// openStoreDirect opens the queue store for a command running without a
// live daemon. Callers must Close() it.
func openStoreDirect() (*store.Store, error) {
	if err := config.EnsureDirs(); err != nil {
		return nil, err
	}
	return store.Open(config.DBPath())
}

// resolveID resolves a (possibly partial) id prefix against every
// download's full id in st. A prefix matching more than one download is an
// error; a prefix matching none is returned unchanged, to surface a clean
// "not found" from whatever comes next.
func resolveID(st *store.Store, partial string) (string, error) {
	if len(partial) >= 36 {
		return partial, nil
	}

	downloads, err := st.LoadAll()
	if err != nil {
		return partial, nil
	}

	var matches []string
	for _, d := range downloads {
		if strings.HasPrefix(d.ID, partial) {
			matches = append(matches, d.ID)
		}
	}

	switch len(matches) {
	case 0:
		return partial, nil
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("ambiguous id prefix %q matches %d downloads", partial, len(matches))
	}
}

func waitForTerminal(st *store.Store, ids []string, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		allDone := true
		for _, id := range ids {
			d, err := st.GetDownload(id)
			if err != nil || !d.State.Terminal() {
				allDone = false
				break
			}
		}
		if allDone {
			return
		}
		time.Sleep(250 * time.Millisecond)
	}
}
