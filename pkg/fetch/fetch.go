// Copyright 2026 OverTheLex
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fetch downloads registry archives to local scratch space. Downloads
// stream to a .part file that is renamed into place only after size and
// magic-byte verification, so a destination path that exists is always a
// complete download.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/sethvargo/go-retry"
)

// Kind classifies a download failure.
type Kind string

const (
	KindNetwork   Kind = "network"
	KindTimeout   Kind = "timeout"
	KindBadStatus Kind = "bad_status"
	KindTruncated Kind = "truncated"
	KindBadMagic  Kind = "bad_magic"
)

// Error is a classified download failure for one URL.
type Error struct {
	Kind   Kind
	URL    string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s: %s", e.URL, e.Kind, e.Err)
	}
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: %s: HTTP %d", e.URL, e.Kind, e.Status)
	}
	return fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// retryable reports whether another attempt can reasonably succeed. Bad
// status codes are permanent except the usual transient server-side ones.
func (e *Error) retryable() bool {
	switch e.Kind {
	case KindNetwork, KindTimeout, KindTruncated, KindBadMagic:
		return true
	case KindBadStatus:
		switch e.Status {
		case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
			return true
		}
		return e.Status >= 500
	}
	return false
}

var errTooManyRedirects = errors.New("too many redirects")

// Options configures a Fetcher. The zero value is usable; unset fields take
// the defaults below.
type Options struct {
	// Timeout bounds one whole attempt, including body streaming. Government
	// endpoints are slow; the default is generous.
	Timeout time.Duration
	// RetrySchedule holds the waits between attempts. Its length is the
	// number of retries after the initial attempt.
	RetrySchedule []time.Duration
	// ProgressEvery is the byte interval between progress reports.
	ProgressEvery int64
	// MinSize is the smallest plausible archive; anything below is treated
	// as a truncated download.
	MinSize int64
	// MaxRedirects caps redirect following.
	MaxRedirects int
	// OnProgress, when set, receives the total bytes written so far at every
	// progress interval and once more on completion.
	OnProgress func(written int64)
}

func (o *Options) defaults() {
	if o.Timeout == 0 {
		o.Timeout = 45 * time.Minute
	}
	if o.RetrySchedule == nil {
		o.RetrySchedule = []time.Duration{5 * time.Second, 15 * time.Second, 45 * time.Second}
	}
	if o.ProgressEvery == 0 {
		o.ProgressEvery = 50 << 20
	}
	if o.MinSize == 0 {
		o.MinSize = 1 << 10
	}
	if o.MaxRedirects == 0 {
		o.MaxRedirects = 5
	}
}

// Fetcher downloads archives over HTTP(S).
type Fetcher struct {
	logger log.Logger
	client *http.Client
	opts   Options
}

// New returns a Fetcher with a pooled HTTP client.
func New(logger log.Logger, opts Options) *Fetcher {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	opts.defaults()
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = opts.Timeout
	client.CheckRedirect = func(_ *http.Request, via []*http.Request) error {
		if len(via) >= opts.MaxRedirects {
			return errTooManyRedirects
		}
		return nil
	}
	return &Fetcher{logger: logger, client: client, opts: opts}
}

// Fetch downloads url to dest, retrying transient failures on the configured
// schedule. On final failure no partial file remains.
func (f *Fetcher) Fetch(ctx context.Context, url, dest string) error {
	schedule := f.opts.RetrySchedule
	var i int
	backoff := retry.BackoffFunc(func() (time.Duration, bool) {
		if i >= len(schedule) {
			return 0, true
		}
		d := schedule[i]
		i++
		return d, false
	})

	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			level.Info(f.logger).Log("msg", "retrying download", "url", url, "attempt", attempt)
		}
		if err := f.fetchOnce(ctx, url, dest); err != nil {
			var fe *Error
			if errors.As(err, &fe) && fe.retryable() {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		os.Remove(dest + ".part")
		os.Remove(dest)
		return err
	}
	return nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &Error{Kind: KindNetwork, URL: url, Err: err}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return &Error{Kind: classifyTransport(ctx, err), URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{Kind: KindBadStatus, URL: url, Status: resp.StatusCode}
	}

	part := dest + ".part"
	out, err := os.Create(part)
	if err != nil {
		return fmt.Errorf("creating %s: %w", part, err)
	}

	pw := &progressWriter{w: out, every: f.opts.ProgressEvery, next: f.opts.ProgressEvery}
	pw.report = func(written int64) {
		level.Info(f.logger).Log("msg", "download progress", "url", url, "mib", written>>20)
		if f.opts.OnProgress != nil {
			f.opts.OnProgress(written)
		}
	}

	_, copyErr := io.Copy(pw, resp.Body)
	closeErr := out.Close()
	if copyErr != nil {
		os.Remove(part)
		return &Error{Kind: classifyTransport(ctx, copyErr), URL: url, Err: copyErr}
	}
	if closeErr != nil {
		os.Remove(part)
		return fmt.Errorf("closing %s: %w", part, closeErr)
	}

	if err := f.verify(part, dest, url); err != nil {
		os.Remove(part)
		return err
	}
	if err := os.Rename(part, dest); err != nil {
		os.Remove(part)
		return fmt.Errorf("renaming %s: %w", part, err)
	}
	if f.opts.OnProgress != nil {
		f.opts.OnProgress(pw.written)
	}
	level.Info(f.logger).Log("msg", "download complete", "url", url, "bytes", pw.written)
	return nil
}

// verify checks the post-conditions for a finished download: a plausible size
// and, for ZIP destinations, the PK magic bytes.
func (f *Fetcher) verify(part, dest, url string) error {
	fi, err := os.Stat(part)
	if err != nil {
		return fmt.Errorf("stat %s: %w", part, err)
	}
	if fi.Size() < f.opts.MinSize {
		return &Error{Kind: KindTruncated, URL: url, Err: fmt.Errorf("got %d bytes, want at least %d", fi.Size(), f.opts.MinSize)}
	}
	if !strings.EqualFold(filepath.Ext(dest), ".zip") {
		return nil
	}
	in, err := os.Open(part)
	if err != nil {
		return fmt.Errorf("opening %s: %w", part, err)
	}
	defer in.Close()
	var magic [2]byte
	if _, err := io.ReadFull(in, magic[:]); err != nil {
		return &Error{Kind: KindTruncated, URL: url, Err: err}
	}
	if magic[0] != 'P' || magic[1] != 'K' {
		return &Error{Kind: KindBadMagic, URL: url, Err: fmt.Errorf("leading bytes %q", magic)}
	}
	return nil
}

func classifyTransport(ctx context.Context, err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if ctx.Err() != nil {
		return KindNetwork
	}
	var nerr interface{ Timeout() bool }
	if errors.As(err, &nerr) && nerr.Timeout() {
		return KindTimeout
	}
	return KindNetwork
}

// progressWriter counts written bytes and fires report at every interval
// boundary.
type progressWriter struct {
	w       io.Writer
	written int64
	every   int64
	next    int64
	report  func(written int64)
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.w.Write(p)
	pw.written += int64(n)
	for pw.report != nil && pw.written >= pw.next {
		pw.report(pw.written)
		pw.next += pw.every
	}
	return n, err
}
