package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/thalysguimaraes/watchcollection/internal/ratelimit"
)

// ImpersonateClient shells out to curl-impersonate, a curl build that
// reproduces a real browser's TLS and HTTP/2 fingerprint. It runs the native
// binary when available and falls back to the docker image otherwise.
//
// The active impersonation profile is owned by the session manager; the
// Profile provider is read on every call so credential rotation takes effect
// without rebuilding the client.
type ImpersonateClient struct {
	dockerImage string
	useDocker   bool
	timeout     time.Duration
	proxyURL    string
	pacer       ratelimit.Pacer
	profile     func() string
	headers     func() map[string]string
}

type ImpersonateOptions struct {
	DockerImage string
	UseDocker   *bool // nil = autodetect native binary
	Timeout     time.Duration
	ProxyURL    string
	Pacer       ratelimit.Pacer
	Profile     func() string
	Headers     func() map[string]string
}

// profileBinaries maps an impersonation profile to its curl-impersonate
// binary name. Profiles without a dedicated build reuse the nearest one.
var profileBinaries = map[string]string{
	"chrome116": "curl_chrome116",
	"chrome119": "curl_chrome116",
	"chrome120": "curl_chrome116",
	"chrome99":  "curl_chrome99",
	"safari15":  "curl_safari15_5",
	"ff117":     "curl_ff117",
}

const defaultImpersonateBinary = "curl_chrome116"

func NewImpersonateClient(opts ImpersonateOptions) *ImpersonateClient {
	image := opts.DockerImage
	if image == "" {
		image = "lwthiker/curl-impersonate:0.6-chrome"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	pacer := opts.Pacer
	if pacer == nil {
		pacer = ratelimit.NopPacer{}
	}
	profile := opts.Profile
	if profile == nil {
		profile = func() string { return "chrome120" }
	}

	useDocker := true
	if opts.UseDocker != nil {
		useDocker = *opts.UseDocker
	} else if _, err := exec.LookPath(binaryFor(profile())); err == nil {
		useDocker = false
	}

	return &ImpersonateClient{
		dockerImage: image,
		useDocker:   useDocker,
		timeout:     timeout,
		proxyURL:    opts.ProxyURL,
		pacer:       pacer,
		profile:     profile,
		headers:     opts.Headers,
	}
}

func binaryFor(profile string) string {
	if bin, ok := profileBinaries[profile]; ok {
		return bin
	}
	return defaultImpersonateBinary
}

func (c *ImpersonateClient) Name() string { return "impersonate" }

func (c *ImpersonateClient) Fetch(ctx context.Context, rawURL string) (int, string, error) {
	return c.FetchWithHeaders(ctx, rawURL, nil)
}

func (c *ImpersonateClient) FetchWithHeaders(ctx context.Context, rawURL string, extra map[string]string) (int, string, error) {
	if err := c.pacer.Wait(ctx, rawURL); err != nil {
		return 0, "", err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	bin := binaryFor(c.profile())
	var args []string
	var command string
	if c.useDocker {
		command = "docker"
		args = []string{"run", "--rm", c.dockerImage, bin}
	} else {
		command = bin
	}

	// -w %{http_code} appends the status code to stdout after the body.
	args = append(args, "-s", "-L", "-w", "%{http_code}", "-o", "-")
	if c.proxyURL != "" {
		args = append(args, "-x", c.proxyURL)
	}

	var base map[string]string
	if c.headers != nil {
		base = c.headers()
	}
	for k, v := range mergeHeaders(base, extra) {
		args = append(args, "-H", fmt.Sprintf("%s: %s", k, v))
	}
	args = append(args, rawURL)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return 0, "", fmt.Errorf("curl-impersonate timeout after %s", c.timeout)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return 0, "", fmt.Errorf("curl-impersonate: %s", msg)
	}

	return splitStatusSuffix(stdout.String())
}

// splitStatusSuffix separates the trailing %{http_code} from the body.
func splitStatusSuffix(output string) (int, string, error) {
	if len(output) < 3 {
		return 0, "", fmt.Errorf("curl-impersonate: truncated output %q", output)
	}
	status, err := strconv.Atoi(output[len(output)-3:])
	if err != nil {
		return 0, "", fmt.Errorf("curl-impersonate: bad status suffix %q", output[len(output)-3:])
	}
	return status, output[:len(output)-3], nil
}
