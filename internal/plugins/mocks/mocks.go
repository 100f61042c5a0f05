// Package mocks serves configured responses for matched requests without
// touching the real service.
package mocks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/sjson"
	"gopkg.in/yaml.v3"

	"github.com/snareproxy/snare/internal/core/domain"
	"github.com/snareproxy/snare/internal/core/ports"
	"github.com/snareproxy/snare/internal/watch"
)

// PluginName identifies the plugin in logs and reports.
const PluginName = "mocks"

// Mock is one entry of the mock-definition file.
type Mock struct {
	// URL is a wildcard pattern matched against the request URL.
	URL string `yaml:"url"`
	// Method restricts the mock to one method; empty matches any.
	Method string `yaml:"method"`
	// Nth, when > 0, serves the mock only on that hit of this entry;
	// other hits fall through to later plugins.
	Nth      int          `yaml:"nth"`
	Response MockResponse `yaml:"response"`
}

// MockResponse is the canned response to serve.
type MockResponse struct {
	StatusCode int               `yaml:"statusCode"`
	Headers    map[string]string `yaml:"headers"`
	// Body is served as JSON. A string of the form "@file.json" loads the
	// body verbatim from a file next to the definition file.
	Body any `yaml:"body"`
	// Dynamic stamps request-derived values into the JSON body before
	// serving: a map of JSON path to one of the tokens @url, @method,
	// @requestId, @timestamp.
	Dynamic map[string]string `yaml:"dynamic"`
}

type mockEntry struct {
	mock    Mock
	matcher *watch.Matcher
	body    []byte
	hits    int
}

type mockFile struct {
	Mocks []Mock `yaml:"mocks"`
}

// Plugin serves mock responses, claiming response ownership for served
// requests.
type Plugin struct {
	mu      sync.Mutex
	file    string
	entries []*mockEntry
}

// New builds the plugin; the definition file path arrives via LoadOptions.
func New() *Plugin {
	return &Plugin{}
}

// Name implements ports.Plugin.
func (p *Plugin) Name() string { return PluginName }

// LoadOptions implements ports.OptionsLoader. A missing or malformed
// definition file disables only this plugin.
func (p *Plugin) LoadOptions(options map[string]any) error {
	file, _ := options["file"].(string)
	if file == "" {
		return fmt.Errorf("mocks: required setting %q missing", "file")
	}
	p.file = file

	raw, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("mocks: read %s: %w", file, err)
	}
	var defs mockFile
	if err := yaml.Unmarshal(raw, &defs); err != nil {
		return fmt.Errorf("mocks: parse %s: %w", file, err)
	}

	baseDir := filepath.Dir(file)
	entries := make([]*mockEntry, 0, len(defs.Mocks))
	for _, m := range defs.Mocks {
		matcher, err := watch.Compile([]string{m.URL})
		if err != nil {
			return fmt.Errorf("mocks: %w", err)
		}
		body, err := marshalBody(m.Response.Body, baseDir)
		if err != nil {
			return fmt.Errorf("mocks: body for %s: %w", m.URL, err)
		}
		entries = append(entries, &mockEntry{mock: m, matcher: matcher, body: body})
	}
	p.entries = entries
	return nil
}

// HandleRequest implements ports.RequestHandler.
func (p *Plugin) HandleRequest(ctx context.Context, args *ports.RequestArgs) (*ports.PluginResponse, error) {
	if args.State.HasBeenSet() {
		return ports.Continue(), nil
	}

	entry := p.match(args.Request)
	if entry == nil {
		return ports.Continue(), nil
	}

	body, err := p.renderBody(entry, args)
	if err != nil {
		return nil, err
	}

	status := entry.mock.Response.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	for k, v := range entry.mock.Response.Headers {
		header.Set(k, v)
	}

	args.Log(domain.NewRequestLog(domain.MessageMocked,
		"served mock for "+entry.mock.URL, PluginName, args.Request))
	return ports.Respond(&domain.Response{
		StatusCode: status,
		Header:     header,
		Body:       body,
	}), nil
}

// match finds the first mock whose pattern, method and hit count apply,
// counting the hit.
func (p *Plugin) match(req *domain.Request) *mockEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, entry := range p.entries {
		if entry.mock.Method != "" && entry.mock.Method != req.Method {
			continue
		}
		if !entry.matcher.Matches(req.URL.String()) {
			continue
		}
		entry.hits++
		if entry.mock.Nth > 0 && entry.hits != entry.mock.Nth {
			continue
		}
		return entry
	}
	return nil
}

func (p *Plugin) renderBody(entry *mockEntry, args *ports.RequestArgs) ([]byte, error) {
	body := entry.body
	var err error
	for path, token := range entry.mock.Response.Dynamic {
		body, err = sjson.SetBytes(body, path, resolveToken(token, args))
		if err != nil {
			return nil, fmt.Errorf("mocks: dynamic field %s: %w", path, err)
		}
	}
	return body, nil
}

func resolveToken(token string, args *ports.RequestArgs) string {
	switch token {
	case "@url":
		return args.Request.URL.String()
	case "@method":
		return args.Request.Method
	case "@requestId":
		return args.ID.String()
	case "@timestamp":
		return time.Now().UTC().Format(time.RFC3339)
	default:
		return token
	}
}

// marshalBody resolves a mock body definition. A string body starting with
// "@" names a file relative to the definition file whose contents are served
// verbatim.
func marshalBody(body any, baseDir string) ([]byte, error) {
	if body == nil {
		return []byte(`{}`), nil
	}
	if s, ok := body.(string); ok {
		if strings.HasPrefix(s, "@") {
			raw, err := os.ReadFile(filepath.Join(baseDir, strings.TrimPrefix(s, "@")))
			if err != nil {
				return nil, err
			}
			return raw, nil
		}
		return []byte(s), nil
	}
	return json.Marshal(body)
}
