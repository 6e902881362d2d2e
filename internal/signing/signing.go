// Package signing is the narrow contract with the codebig URL-signing
// helper used by the SIGNED transport.
package signing

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrSigningFailed is surfaced when the helper cannot produce a signed URL.
// The orchestrator treats it as terminal for the SIGNED path.
var ErrSigningFailed = errors.New("signing: codebig signing failed")

// Signed is the helper's output: the rewritten URL plus the authorization
// header to send with it.
type Signed struct {
	URL        string
	AuthHeader string
}

// Signer computes a signed request for the given raw URL.
type Signer interface {
	Sign(ctx context.Context, rawURL string) (*Signed, error)
}

// HelperSigner shells out to the platform signing helper. The helper prints
// two lines: the signed URL and the authorization header value.
type HelperSigner struct {
	Path string
}

func (s *HelperSigner) Sign(ctx context.Context, rawURL string) (*Signed, error) {
	if s.Path == "" {
		return nil, ErrSigningFailed
	}

	cmd := exec.CommandContext(ctx, s.Path, rawURL)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}

	scanner := bufio.NewScanner(&out)
	var lines []string
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) < 2 || !strings.HasPrefix(lines[0], "http") {
		return nil, ErrSigningFailed
	}
	return &Signed{URL: lines[0], AuthHeader: lines[1]}, nil
}

// StaticSigner returns a fixed result; used by tests.
type StaticSigner struct {
	Result *Signed
	Err    error
}

func (s *StaticSigner) Sign(ctx context.Context, rawURL string) (*Signed, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	if s.Result != nil {
		return s.Result, nil
	}
	return &Signed{URL: rawURL}, nil
}
