package duckgpt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lmittmann/tint"
)

const (
	comfyPathPrompt      = "/prompt"
	comfyPathHistory     = "/history/"
	comfyPathView        = "/view"
	comfyPathSystemStats = "/system_stats"
	comfyPathWebsocket   = "/ws"

	comfyMessageExecuting        = "executing"
	comfyMessageExecutionError   = "execution_error"
	comfyMessageExecutionSuccess = "execution_success"

	// maxComfyErrorBody caps how much of an error response body is kept
	// for the error message
	maxComfyErrorBody = 2048
)

// Image is a single generated image
type Image struct {
	Filename string
	Data     []byte
}

// ImageResult holds the images generated for a prompt, in the order
// ComfyUI reported them
type ImageResult struct {
	Prompt  string
	Seed    uint64
	Images  []Image
	Elapsed time.Duration
}

func (r ImageResult) LogValue() slog.Value {
	filenames := make([]string, 0, len(r.Images))
	for _, img := range r.Images {
		filenames = append(filenames, img.Filename)
	}
	return slog.GroupValue(
		slog.Uint64("seed", r.Seed),
		slog.Any("images", filenames),
		slog.Duration("elapsed", r.Elapsed),
	)
}

// SystemStats describes the first device reported by ComfyUI
type SystemStats struct {
	DeviceName string `json:"device_name"`
	VRAMFree   int64  `json:"vram_free"`
	VRAMTotal  int64  `json:"vram_total"`
}

// ComfyUI is a client for the ComfyUI HTTP and websocket API, used for
// `/img` and `/stats`
type ComfyUI struct {
	baseURL    *url.URL
	httpClient *http.Client
	dialer     *websocket.Dialer
	config     *ComfyUIConfig
	logger     *slog.Logger
	template   []byte
}

func newComfyUI(config *ComfyUIConfig, httpClient *http.Client) (*ComfyUI, error) {
	base, err := url.Parse(config.Host)
	if err != nil {
		return nil, fmt.Errorf("invalid comfyui host: %w", err)
	}
	switch base.Scheme {
	case "http", "https":
	default:
		return nil, fmt.Errorf("invalid comfyui host scheme: '%s'", base.Scheme)
	}

	client := &http.Client{Timeout: config.Timeout}
	if httpClient != nil {
		c := *httpClient
		c.Timeout = config.Timeout
		client = &c
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = config.Timeout

	if _, err = newWorkflow(workflowTemplate); err != nil {
		return nil, err
	}

	return &ComfyUI{
		baseURL:    base,
		httpClient: client,
		dialer:     &dialer,
		config:     config,
		logger:     newLogger(config.LogLevel, "comfyui"),
		template:   workflowTemplate,
	}, nil
}

func (c *ComfyUI) getLogger(ctx context.Context) *slog.Logger {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		return c.logger
	}
	return logger
}

// GenerateImage queues the workflow template with the given prompt and a
// random seed, waits for ComfyUI to finish executing it, and downloads the
// resulting images. An error is returned if no images were produced.
func (c *ComfyUI) GenerateImage(ctx context.Context, prompt string) (ImageResult, error) {
	logger := c.getLogger(ctx)

	req, err := newImageRequest(c.template, prompt)
	if err != nil {
		return ImageResult{}, &ImageGenerationError{Err: err}
	}
	result := ImageResult{Prompt: req.Prompt, Seed: req.Seed}
	logger.InfoContext(ctx, "generating image", "prompt", prompt, "seed", req.Seed)

	clientID := uuid.NewString()
	started := time.Now()

	// connect before queueing, so the completion message can't be missed
	conn, err := c.connect(ctx, clientID)
	if err != nil {
		logger.ErrorContext(ctx, "error connecting to websocket", tint.Err(err))
		return result, &ImageGenerationError{Err: err}
	}
	defer func() {
		_ = conn.Close()
	}()

	promptID, err := c.QueuePrompt(ctx, clientID, req.Workflow)
	if err != nil {
		logger.ErrorContext(ctx, "error queueing prompt", tint.Err(err))
		return result, &ImageGenerationError{Err: err}
	}
	logger = logger.With("prompt_id", promptID)

	if err = c.waitForPrompt(ctx, conn, promptID); err != nil {
		logger.ErrorContext(ctx, "error waiting on prompt", tint.Err(err))
		return result, &ImageGenerationError{Err: err}
	}

	images, err := c.Images(ctx, promptID)
	result.Elapsed = time.Since(started)
	if err != nil {
		logger.ErrorContext(ctx, "error retrieving images", tint.Err(err))
		return result, &ImageGenerationError{Err: err}
	}
	if len(images) == 0 {
		logger.WarnContext(ctx, "no images in output")
		return result, &ImageGenerationError{Err: ErrNoImages}
	}
	result.Images = images

	logger.InfoContext(ctx, "generated image", "result", result)
	return result, nil
}

// connect opens the websocket used for execution updates
func (c *ComfyUI) connect(ctx context.Context, clientID string) (*websocket.Conn, error) {
	u := *c.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = comfyPathWebsocket
	u.RawQuery = url.Values{"clientId": {clientID}}.Encode()

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("error dialing %s: %w", u.Redacted(), err)
	}
	return conn, nil
}

type comfyQueueRequest struct {
	Prompt   Workflow `json:"prompt"`
	ClientID string   `json:"client_id"`
}

type comfyQueueResponse struct {
	PromptID   string         `json:"prompt_id"`
	Number     int            `json:"number"`
	NodeErrors map[string]any `json:"node_errors"`
}

type comfyErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
		Details string `json:"details"`
	} `json:"error"`
}

// QueuePrompt submits the workflow, returning the prompt ID assigned by ComfyUI
func (c *ComfyUI) QueuePrompt(ctx context.Context, clientID string, wf Workflow) (string, error) {
	body, err := json.Marshal(comfyQueueRequest{Prompt: wf, ClientID: clientID})
	if err != nil {
		return "", fmt.Errorf("error marshaling workflow: %w", err)
	}
	var resp comfyQueueResponse
	if err = c.doJSON(ctx, http.MethodPost, comfyPathPrompt, nil, body, &resp); err != nil {
		return "", err
	}
	if resp.PromptID == "" {
		return "", errors.New("no prompt_id in queue response")
	}
	return resp.PromptID, nil
}

type comfyMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type comfyExecutingData struct {
	Node     *string `json:"node"`
	PromptID string  `json:"prompt_id"`
}

type comfyExecutionErrorData struct {
	PromptID         string `json:"prompt_id"`
	NodeID           string `json:"node_id"`
	NodeType         string `json:"node_type"`
	ExceptionType    string `json:"exception_type"`
	ExceptionMessage string `json:"exception_message"`
}

// waitForPrompt reads execution updates until the given prompt finishes
// or fails. Binary (preview) messages and updates for other prompts are
// skipped.
func (c *ComfyUI) waitForPrompt(ctx context.Context, conn *websocket.Conn, promptID string) error {
	if c.config.Timeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(c.config.Timeout))
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("error reading from websocket: %w", err)
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var msg comfyMessage
		if err = json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("malformed websocket message: %w", err)
		}

		switch msg.Type {
		case comfyMessageExecuting:
			var executing comfyExecutingData
			if err = json.Unmarshal(msg.Data, &executing); err != nil {
				return fmt.Errorf("malformed executing message: %w", err)
			}
			if executing.PromptID == promptID && executing.Node == nil {
				return nil
			}
		case comfyMessageExecutionSuccess:
			var success comfyExecutingData
			if err = json.Unmarshal(msg.Data, &success); err != nil {
				return fmt.Errorf("malformed execution_success message: %w", err)
			}
			if success.PromptID == promptID {
				return nil
			}
		case comfyMessageExecutionError:
			var execErr comfyExecutionErrorData
			if err = json.Unmarshal(msg.Data, &execErr); err != nil {
				return fmt.Errorf("malformed execution_error message: %w", err)
			}
			if execErr.PromptID == promptID {
				return fmt.Errorf(
					"node %s (%s) failed: %s: %s",
					execErr.NodeID,
					execErr.NodeType,
					execErr.ExceptionType,
					execErr.ExceptionMessage,
				)
			}
		}
	}
}

type comfyImageRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

type comfyHistoryEntry struct {
	Outputs map[string]struct {
		Images []comfyImageRef `json:"images"`
	} `json:"outputs"`
}

// Images downloads every output image of a finished prompt. Output nodes
// are visited in ascending node ID order.
func (c *ComfyUI) Images(ctx context.Context, promptID string) ([]Image, error) {
	var history map[string]comfyHistoryEntry
	if err := c.doJSON(
		ctx,
		http.MethodGet,
		comfyPathHistory+url.PathEscape(promptID),
		nil,
		nil,
		&history,
	); err != nil {
		return nil, err
	}
	entry, ok := history[promptID]
	if !ok {
		return nil, fmt.Errorf("prompt '%s' not found in history", promptID)
	}

	nodeIDs := make([]string, 0, len(entry.Outputs))
	for nodeID := range entry.Outputs {
		nodeIDs = append(nodeIDs, nodeID)
	}
	slices.SortFunc(nodeIDs, compareNodeIDs)

	var images []Image
	for _, nodeID := range nodeIDs {
		for _, ref := range entry.Outputs[nodeID].Images {
			data, err := c.view(ctx, ref)
			if err != nil {
				return nil, err
			}
			images = append(images, Image{Filename: ref.Filename, Data: data})
		}
	}
	return images, nil
}

// compareNodeIDs orders numeric node IDs numerically ("9" before "27"),
// falling back to string order
func compareNodeIDs(a, b string) int {
	if len(a) != len(b) {
		return len(a) - len(b)
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func (c *ComfyUI) view(ctx context.Context, ref comfyImageRef) ([]byte, error) {
	query := url.Values{
		"filename":  {ref.Filename},
		"subfolder": {ref.Subfolder},
		"type":      {ref.Type},
	}
	data, err := c.do(ctx, http.MethodGet, comfyPathView, query, nil)
	if err != nil {
		return nil, fmt.Errorf("error downloading '%s': %w", ref.Filename, err)
	}
	return data, nil
}

type comfySystemStats struct {
	Devices []struct {
		Name      string `json:"name"`
		Type      string `json:"type"`
		Index     int    `json:"index"`
		VRAMTotal int64  `json:"vram_total"`
		VRAMFree  int64  `json:"vram_free"`
	} `json:"devices"`
}

// SystemStats returns the name and VRAM usage of the first device
// reported by ComfyUI. Nothing is cached.
func (c *ComfyUI) SystemStats(ctx context.Context) (SystemStats, error) {
	logger := c.getLogger(ctx)

	var stats comfySystemStats
	if err := c.doJSON(ctx, http.MethodGet, comfyPathSystemStats, nil, nil, &stats); err != nil {
		logger.ErrorContext(ctx, "error getting system stats", tint.Err(err))
		return SystemStats{}, &StatsError{Err: err}
	}
	if len(stats.Devices) == 0 {
		logger.WarnContext(ctx, "no devices in system stats")
		return SystemStats{}, &StatsError{Err: ErrNoDevices}
	}
	device := stats.Devices[0]
	return SystemStats{
		DeviceName: device.Name,
		VRAMFree:   device.VRAMFree,
		VRAMTotal:  device.VRAMTotal,
	}, nil
}

// doJSON sends a request and decodes the JSON response body into out
func (c *ComfyUI) doJSON(
	ctx context.Context,
	method string,
	path string,
	query url.Values,
	body []byte,
	out any,
) error {
	data, err := c.do(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	if err = json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("malformed response from %s: %w", path, err)
	}
	return nil
}

// do sends a request to ComfyUI, returning the response body. Non-2xx
// responses are returned as errors, with the error message ComfyUI
// included, if any.
func (c *ComfyUI) do(
	ctx context.Context,
	method string,
	path string,
	query url.Values,
	body []byte,
) ([]byte, error) {
	u := c.baseURL.JoinPath(path)
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading response from %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errResp comfyErrorResponse
		if json.Unmarshal(data, &errResp) == nil && errResp.Error.Message != "" {
			msg := errResp.Error.Message
			if errResp.Error.Details != "" {
				msg = fmt.Sprintf("%s: %s", msg, errResp.Error.Details)
			}
			return nil, fmt.Errorf("%s %s: %s (status %d)", method, path, msg, resp.StatusCode)
		}
		return nil, fmt.Errorf(
			"%s %s: %s: %s",
			method,
			path,
			resp.Status,
			truncate(string(data), maxComfyErrorBody),
		)
	}
	return data, nil
}
