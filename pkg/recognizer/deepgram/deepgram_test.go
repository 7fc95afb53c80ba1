package deepgram

import (
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/voxscribe/voxscribe/pkg/recognizer"
)

func TestNew_RequiresAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty API key, got nil")
	}
}

func TestBuildURL(t *testing.T) {
	p, err := New("key", WithModel("nova-3"), WithLanguage("en"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	raw, err := p.buildURL(recognizer.StreamConfig{
		SampleRate: 16000,
		Channels:   1,
		Language:   "en-US",
		Keywords: []recognizer.KeywordBoost{
			{Keyword: "Eldermoor", Boost: 5},
			{Keyword: "Voxscribe", Boost: 2.5},
		},
	})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	if u.Scheme != "wss" || !strings.Contains(u.Host, "deepgram.com") {
		t.Errorf("endpoint = %s://%s, want the Deepgram wss endpoint", u.Scheme, u.Host)
	}

	q := u.Query()
	wantParams := map[string]string{
		"model":           "nova-3",
		"language":        "en-US", // stream config overrides the provider default
		"encoding":        "linear16",
		"sample_rate":     "16000",
		"channels":        "1",
		"interim_results": "true",
		"punctuate":       "true",
	}
	for key, want := range wantParams {
		if got := q.Get(key); got != want {
			t.Errorf("query %s = %q, want %q", key, got, want)
		}
	}

	keywords := q["keywords"]
	if len(keywords) != 2 {
		t.Fatalf("keywords count = %d, want 2", len(keywords))
	}
	if keywords[0] != "Eldermoor:5" || keywords[1] != "Voxscribe:2.5" {
		t.Errorf("keywords = %v, want [Eldermoor:5 Voxscribe:2.5]", keywords)
	}
}

func TestBuildURL_FallsBackToProviderLanguage(t *testing.T) {
	p, err := New("key", WithLanguage("de"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	raw, err := p.buildURL(recognizer.StreamConfig{SampleRate: 16000})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, _ := url.Parse(raw)
	if got := u.Query().Get("language"); got != "de" {
		t.Errorf("language = %q, want de", got)
	}
}

func TestParseResponse(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    recognizer.Result
		wantOK  bool
	}{
		{
			name: "final result",
			payload: `{
				"type": "Results",
				"is_final": true,
				"start": 1.5,
				"duration": 0.75,
				"channel": {"alternatives": [{"transcript": "hello world", "confidence": 0.93}]}
			}`,
			want: recognizer.Result{
				Text:       "hello world",
				IsFinal:    true,
				Confidence: 0.93,
				Timestamp:  1500 * time.Millisecond,
				Duration:   750 * time.Millisecond,
			},
			wantOK: true,
		},
		{
			name: "interim result",
			payload: `{
				"type": "Results",
				"is_final": false,
				"channel": {"alternatives": [{"transcript": "hel", "confidence": 0.4}]}
			}`,
			want:   recognizer.Result{Text: "hel", Confidence: 0.4},
			wantOK: true,
		},
		{
			name:    "metadata message ignored",
			payload: `{"type": "Metadata", "request_id": "abc"}`,
			wantOK:  false,
		},
		{
			name:    "no alternatives ignored",
			payload: `{"type": "Results", "channel": {"alternatives": []}}`,
			wantOK:  false,
		},
		{
			name:    "malformed JSON ignored",
			payload: `{"type": "Results",`,
			wantOK:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseResponse([]byte(tt.payload))
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if got != tt.want {
				t.Errorf("result = %+v, want %+v", got, tt.want)
			}
		})
	}
}
