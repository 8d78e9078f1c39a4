package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"coedit/cmd/internal/oplog"
	v1 "coedit/contracts/sync/v1"
)

// HTTPClient is a Backend over the operation-log REST API.
type HTTPClient struct {
	base *url.URL
	hc   *http.Client
}

// NewHTTPClient constructs a client for the given server base URL
// (e.g. "http://localhost:8080"). A nil httpClient uses a default with a
// 10s timeout.
func NewHTTPClient(baseURL string, httpClient *http.Client) (*HTTPClient, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("reconcile: bad base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("reconcile: base url must be absolute: %q", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPClient{base: u, hc: httpClient}, nil
}

// Submit posts one operation to the room's log.
func (c *HTTPClient) Submit(ctx context.Context, in oplog.SubmitInput) (oplog.SubmitResult, error) {
	reqBody := v1.SubmitOperationRequest{
		Operation:   oplog.EditToWire(in.Edit),
		OperationID: in.OperationID,
		UserID:      in.UserID,
	}

	var resp v1.SubmitOperationResponse
	if err := c.do(ctx, http.MethodPost, c.roomPath(in.RoomID, "operations"), reqBody, &resp); err != nil {
		return oplog.SubmitResult{}, err
	}

	switch {
	case resp.Success:
		return oplog.SubmitResult{NewContent: resp.NewContent, Version: resp.Version}, nil
	case resp.Reason == v1.ReasonDuplicate:
		return oplog.SubmitResult{
			NewContent: resp.NewContent,
			Version:    resp.Version,
			Duplicated: true,
		}, nil
	case resp.Reason == v1.ReasonInvalid:
		return oplog.SubmitResult{}, fmt.Errorf("%w: rejected by server", oplog.ErrInvalidOperation)
	default:
		return oplog.SubmitResult{}, fmt.Errorf("reconcile: submit rejected: %s", resp.Reason)
	}
}

// ListSince fetches a window of the room's log, oldest first.
func (c *HTTPClient) ListSince(ctx context.Context, in oplog.ListSinceInput) (oplog.ListSinceResult, error) {
	q := url.Values{}
	if !in.After.IsZero() {
		q.Set("after", in.After.UTC().Format(time.RFC3339Nano))
	}
	if in.Limit > 0 {
		q.Set("limit", strconv.Itoa(in.Limit))
	}
	path := c.roomPath(in.RoomID, "operations")
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp v1.ListOperationsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return oplog.ListSinceResult{}, err
	}

	ops := make([]oplog.Operation, 0, len(resp.Operations))
	for _, lo := range resp.Operations {
		edit, err := oplog.EditFromWire(lo.Operation)
		if err != nil {
			return oplog.ListSinceResult{}, fmt.Errorf("reconcile: bad listed operation %q: %w", lo.OperationID, err)
		}
		ops = append(ops, oplog.Operation{
			RoomID:      in.RoomID,
			OperationID: lo.OperationID,
			UserID:      lo.UserID,
			Edit:        edit,
			ServerTS:    lo.Timestamp,
		})
	}
	return oplog.ListSinceResult{Operations: ops, HasMore: resp.HasMore}, nil
}

// GetDocument fetches the authoritative snapshot.
func (c *HTTPClient) GetDocument(ctx context.Context, roomID string) (oplog.Snapshot, error) {
	var resp v1.DocumentStateResponse
	if err := c.do(ctx, http.MethodGet, c.roomPath(roomID, "document"), nil, &resp); err != nil {
		return oplog.Snapshot{}, err
	}
	return oplog.Snapshot{
		Content:      resp.Content,
		Version:      resp.Version,
		LastModified: resp.LastModified,
	}, nil
}

// InitializeDocument seeds an empty room; false means another writer won.
func (c *HTTPClient) InitializeDocument(ctx context.Context, roomID, content string, _ time.Time) (bool, error) {
	reqBody := v1.InitializeDocumentRequest{Content: content}

	var resp v1.InitializeDocumentResponse
	if err := c.do(ctx, http.MethodPost, c.roomPath(roomID, "document"), reqBody, &resp); err != nil {
		return false, err
	}
	if !resp.Success && resp.Reason != v1.ReasonInitialized {
		return false, fmt.Errorf("reconcile: initialize rejected: %s", resp.Reason)
	}
	return resp.Success, nil
}

func (c *HTTPClient) roomPath(roomID string, leaf string) string {
	return "/v1/rooms/" + url.PathEscape(roomID) + "/" + leaf
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	// 4xx responses still carry a decodable body with a reason; only
	// treat non-JSON and 5xx as transport errors.
	if resp.StatusCode >= 500 {
		return fmt.Errorf("reconcile: server error: %s", resp.Status)
	}

	dec := json.NewDecoder(io.LimitReader(resp.Body, 4<<20))
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("reconcile: decode %s %s: %w", method, path, err)
	}
	return nil
}
