// Copyright 2025 The go-scoutsync Authors
// SPDX-License-Identifier: Apache-2.0

package scoutsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Sync API paths served by HTTPSyncHandlers and called by Transport.
const (
	PathPing            = "/api/sync/ping"
	PathChanges         = "/api/sync/changes"
	PathReceiveChanges  = "/api/sync/receive-changes"
	PathFullSyncSend    = "/api/sync/full-sync-send"
	PathFullSyncReceive = "/api/sync/full-sync-receive"
)

// FullSyncBatchSize is the page size of full-resync transfers in both directions.
const FullSyncBatchSize = 500

// PushAck is the peer's answer to one pushed batch.
type PushAck struct {
	Sent         int
	AppliedCount int
	Superseded   int
	Errors       []ApplyError
	Attempts     int
}

// Acknowledged reports whether the peer confirmed every record of the batch.
func (a PushAck) Acknowledged() bool {
	return a.AppliedCount == a.Sent
}

// Transport is the HTTP client side of replication. Every call is bounded by
// the RetryPolicy timeouts; failures come back as *SyncError values.
type Transport struct {
	client            *http.Client
	policy            RetryPolicy
	serverID          string
	nodeName          string
	auth              *JWTAuth
	compressThreshold int
	logger            *slog.Logger
}

// NewTransport creates a transport. auth may be nil when peers run without a shared secret.
func NewTransport(client *http.Client, policy RetryPolicy, serverID, nodeName string, auth *JWTAuth,
	compressThreshold int, logger *slog.Logger) *Transport {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		client:            client,
		policy:            policy,
		serverID:          serverID,
		nodeName:          nodeName,
		auth:              auth,
		compressThreshold: compressThreshold,
		logger:            logger,
	}
}

// httpStatusError is a non-2xx reply.
type httpStatusError struct {
	Status int
	Code   string
	Body   string
}

func (e *httpStatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("peer replied %d %s: %s", e.Status, e.Code, e.Body)
	}
	return fmt.Sprintf("peer replied %d: %s", e.Status, e.Body)
}

// countMismatchError means the peer answered but did not confirm the whole batch.
type countMismatchError struct {
	Expected int
	Got      int
}

func (e *countMismatchError) Error() string {
	return fmt.Sprintf("peer applied %d of %d records", e.Got, e.Expected)
}

// classify maps the last attempt's failure onto the closed error kinds.
func classify(op string, err error) *SyncError {
	var se *SyncError
	if errors.As(err, &se) {
		return se
	}
	var cm *countMismatchError
	if errors.As(err, &cm) {
		return newSyncError(KindChecksumMismatch, op, err)
	}
	var he *httpStatusError
	if errors.As(err, &he) && he.Code == "checksum_mismatch" {
		return newSyncError(KindChecksumMismatch, op, err)
	}
	return newSyncError(KindTransient, op, err)
}

// do performs one HTTP exchange within timeout and decodes a JSON reply into out.
func (t *Transport) do(ctx context.Context, method, rawURL string, body any, timeout time.Duration, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader *bytes.Reader
	var encoding string
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return permanent(fmt.Errorf("failed to encode request: %w", err))
		}
		data, encoding = maybeCompress(data, t.compressThreshold, true)
		reader = bytes.NewReader(data)
	}

	var req *http.Request
	var err error
	if reader != nil {
		req, err = http.NewRequestWithContext(ctx, method, rawURL, reader)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, rawURL, nil)
	}
	if err != nil {
		return permanent(fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", encodingZstd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}
	if t.auth != nil {
		if err := t.auth.Authorize(req, t.serverID, t.nodeName); err != nil {
			return permanent(err)
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := readBody(resp.Body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		he := &httpStatusError{Status: resp.StatusCode, Body: truncate(string(data), 256)}
		var er ErrorResponse
		if json.Unmarshal(data, &er) == nil {
			he.Code = er.Error
			if er.Message != "" {
				he.Body = er.Message
			}
		}
		// 4xx other than timeout, throttling or a damaged batch means the request itself is wrong
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && he.Code != "checksum_mismatch" &&
			resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
			return permanent(he)
		}
		return he
	}

	if out == nil {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Ping probes the peer once with the short ping timeout.
func (t *Transport) Ping(ctx context.Context, peer *Peer) (*PingResponse, error) {
	var resp PingResponse
	if err := t.do(ctx, http.MethodGet, peer.BaseURL()+PathPing, nil, t.policy.PingTimeout, &resp); err != nil {
		return nil, newSyncError(KindTransient, "ping", err)
	}
	if resp.Status != "ok" {
		return nil, newSyncError(KindTransient, "ping", fmt.Errorf("peer status %q", resp.Status))
	}
	return &resp, nil
}

// verifyBatch checks a received batch against its declared count and checksum.
func verifyBatch(records []ChangeRecord, totalCount int, checksum string) error {
	if totalCount != len(records) {
		return newSyncError(KindChecksumMismatch, "verify",
			fmt.Errorf("total_count %d but %d changes received", totalCount, len(records)))
	}
	if checksum != "" && checksum != BatchChecksum(records) {
		return newSyncError(KindChecksumMismatch, "verify", errors.New("batch checksum does not match"))
	}
	return nil
}

// Pull fetches the peer's changes since the given time. When every attempt
// fails it returns an empty slice together with the error, so callers can
// carry on with the other direction.
func (t *Transport) Pull(ctx context.Context, peer *Peer, since time.Time) ([]ChangeRecord, error) {
	q := url.Values{}
	q.Set("since", since.UTC().Format(time.RFC3339Nano))
	q.Set("server_id", t.serverID)
	q.Set("format", WireFormat)
	rawURL := peer.BaseURL() + PathChanges + "?" + q.Encode()

	var records []ChangeRecord
	err := withRetry(ctx, t.policy, func(attempt int) error {
		var resp ChangesResponse
		if err := t.do(ctx, http.MethodGet, rawURL, nil, t.policy.openEndedTimeout(), &resp); err != nil {
			t.logger.Warn("pull attempt failed", "peer", peer.Name, "attempt", attempt, "error", err)
			return err
		}
		got := FromWire(resp.Changes, resp.ServerID)
		if err := verifyBatch(got, resp.TotalCount, resp.Checksum); err != nil {
			t.logger.Warn("pull batch rejected", "peer", peer.Name, "attempt", attempt, "error", err)
			return err
		}
		records = got
		return nil
	})
	if err != nil {
		return []ChangeRecord{}, classify("pull", err)
	}
	return records, nil
}

func (t *Transport) newPushRequest(changes []ChangeRecord) PushRequest {
	return PushRequest{
		Changes:    ToWire(changes),
		ServerID:   t.serverID,
		Timestamp:  time.Now().UTC(),
		Format:     WireFormat,
		TotalCount: len(changes),
		Checksum:   BatchChecksum(changes),
	}
}

// Push sends one batch to the peer's receive endpoint. The batch counts as
// delivered only when the peer reports applied_count equal to its size;
// anything else is retried and finally returned as an error with the last ack.
func (t *Transport) Push(ctx context.Context, peer *Peer, changes []ChangeRecord) (PushAck, error) {
	return t.push(ctx, peer, PathReceiveChanges, changes)
}

func (t *Transport) push(ctx context.Context, peer *Peer, path string, changes []ChangeRecord) (PushAck, error) {
	ack := PushAck{Sent: len(changes)}
	if len(changes) == 0 {
		return ack, nil
	}
	body := t.newPushRequest(changes)
	timeout := t.policy.bulkTimeout(len(changes))

	err := withRetry(ctx, t.policy, func(attempt int) error {
		ack.Attempts = attempt
		var resp PushResponse
		if err := t.do(ctx, http.MethodPost, peer.BaseURL()+path, body, timeout, &resp); err != nil {
			t.logger.Warn("push attempt failed", "peer", peer.Name, "attempt", attempt, "records", len(changes), "error", err)
			return err
		}
		ack.AppliedCount = resp.AppliedCount
		ack.Superseded = resp.Superseded
		ack.Errors = resp.Errors
		if !ack.Acknowledged() {
			err := &countMismatchError{Expected: len(changes), Got: resp.AppliedCount}
			t.logger.Warn("push not fully applied", "peer", peer.Name, "attempt", attempt, "error", err)
			return err
		}
		return nil
	})
	if err != nil {
		return ack, classify("push", err)
	}
	return ack, nil
}

// FullPull pages through the peer's complete dataset.
func (t *Transport) FullPull(ctx context.Context, peer *Peer) ([]ChangeRecord, error) {
	var all []ChangeRecord
	offset := 0
	for {
		q := url.Values{}
		q.Set("offset", strconv.Itoa(offset))
		q.Set("limit", strconv.Itoa(FullSyncBatchSize))
		q.Set("server_id", t.serverID)
		rawURL := peer.BaseURL() + PathFullSyncSend + "?" + q.Encode()

		var page FullSyncPage
		err := withRetry(ctx, t.policy, func(attempt int) error {
			page = FullSyncPage{}
			if err := t.do(ctx, http.MethodGet, rawURL, nil, t.policy.bulkTimeout(FullSyncBatchSize), &page); err != nil {
				t.logger.Warn("full sync page failed", "peer", peer.Name, "offset", offset, "attempt", attempt, "error", err)
				return err
			}
			got := FromWire(page.Changes, page.ServerID)
			return verifyBatch(got, len(page.Changes), page.Checksum)
		})
		if err != nil {
			return all, classify("full_pull", err)
		}
		all = append(all, FromWire(page.Changes, page.ServerID)...)
		if !page.HasMore || len(page.Changes) == 0 {
			return all, nil
		}
		offset += len(page.Changes)
	}
}

// FullPush sends changes in FullSyncBatchSize batches. It keeps going after a
// failed batch and returns the records of every acknowledged batch.
func (t *Transport) FullPush(ctx context.Context, peer *Peer, changes []ChangeRecord) ([]ChangeRecord, int, error) {
	var acked []ChangeRecord
	var errs []error
	applied := 0
	for start := 0; start < len(changes); start += FullSyncBatchSize {
		end := min(start+FullSyncBatchSize, len(changes))
		batch := changes[start:end]
		ack, err := t.push(ctx, peer, PathFullSyncReceive, batch)
		applied += ack.AppliedCount
		if err != nil {
			errs = append(errs, fmt.Errorf("batch %d-%d: %w", start, end, err))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		acked = append(acked, batch...)
	}
	if len(errs) > 0 {
		kind := KindOf(errs[0])
		if kind == 0 {
			kind = KindTransient
		}
		return acked, applied, newSyncError(kind, "full_push", errors.Join(errs...))
	}
	return acked, applied, nil
}
