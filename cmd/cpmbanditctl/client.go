package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func baseURL() string {
	if u := os.Getenv("CPMBANDIT_URL"); u != "" {
		return strings.TrimRight(u, "/")
	}
	return "http://localhost:8090"
}

func adminToken() string {
	return os.Getenv("CPMBANDIT_ADMIN_TOKEN")
}

// client talks to the /v1 admin API.
type client struct {
	base  string
	token string
	http  *http.Client
	out   io.Writer
}

func newClient(out io.Writer) *client {
	return &client{
		base:  baseURL(),
		token: adminToken(),
		http:  &http.Client{},
		out:   out,
	}
}

func (c *client) doRequest(method, path string, body io.Reader, headers ...string) (*http.Response, error) {
	req, err := http.NewRequest(method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	return c.http.Do(req)
}

// call sends body (marshalled to JSON when non-nil) and decodes the
// response object.
func (c *client) call(method, path string, body any, headers ...string) (map[string]any, error) {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = strings.NewReader(string(b))
	}
	resp, err := c.doRequest(method, path, r, headers...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	return readJSON(resp)
}

func readJSON(resp *http.Response) (map[string]any, error) {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		var arr []any
		if err2 := json.Unmarshal(data, &arr); err2 == nil {
			return map[string]any{"items": arr}, nil
		}
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return result, nil
}

func (c *client) printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(c.out, string(b))
}

// streamEvents prints step and workflow events until the stream closes.
func (c *client) streamEvents(path string) error {
	resp, err := c.doRequest(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	_, _ = fmt.Fprintln(c.out, "Streaming events (Ctrl-C to stop)...")
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var evt map[string]any
		if json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &evt) != nil {
			continue
		}
		_, _ = fmt.Fprintln(c.out, formatEvent(evt, time.Now()))
	}
	if err := sc.Err(); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.out, "Event stream closed.")
	return nil
}

func formatEvent(evt map[string]any, now time.Time) string {
	evtType, _ := evt["type"].(string)
	advert, _ := evt["advert_id"].(string)
	ts := now.Format("15:04:05")
	if errClass, _ := evt["error_class"].(string); errClass != "" {
		msg, _ := evt["error_msg"].(string)
		return fmt.Sprintf("[%s] %s  advert=%s error=%s %s", ts, evtType, advert, errClass, msg)
	}
	if wf, _ := evt["workflow_id"].(string); wf != "" {
		return fmt.Sprintf("[%s] %s  advert=%s workflow=%s", ts, evtType, advert, wf)
	}
	arm, _ := evt["arm"].(string)
	prev, _ := evt["previous_cpm"].(float64)
	next, _ := evt["new_cpm"].(float64)
	reward, _ := evt["reward"].(float64)
	return fmt.Sprintf("[%s] %s  advert=%s arm=%s cpm=%.0f->%.0f reward=%.4f", ts, evtType, advert, arm, prev, next, reward)
}
