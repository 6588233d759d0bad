// Package alert implements the alerter fan-out (C8, spec.md §4.6): format
// one of a fixed set of alert variants and post it to every enabled sink
// concurrently. The Slack sink uses github.com/slack-go/slack (pulled into
// the stack from the jordigilh-kubernaut example's go.mod — no Slack client
// appears in the teacher itself); the custom webhook sink is a plain HTTP
// POST in the teacher's own style (internal/registry.HTTPClient request
// shape, minus auth and retries).
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chis/corectl/internal/domain"
	"github.com/chis/corectl/internal/logging"
	"github.com/slack-go/slack"
)

// Variant is the tagged union of alert payloads spec.md §4.6 names.
type Variant struct {
	ServerUnreachable      *ServerUnreachable
	ServerCpu              *ServerResourceAlert
	ServerMem              *ServerResourceAlert
	ServerDisk             *ServerDiskAlert
	ContainerStateChange   *ContainerStateChange
	AwsBuilderTermination  *AwsBuilderTerminationFailed
}

type ServerUnreachable struct {
	Name   string
	Region string
	Level  string // "reachable" or "unreachable" transition direction
}

type ServerResourceAlert struct {
	Name       string
	Region     string
	Percentage float64
	UsedGB     float64
	TotalGB    float64
}

type ServerDiskAlert struct {
	Name    string
	Region  string
	Path    string
	UsedGB  float64
	TotalGB float64
}

type ContainerStateChange struct {
	Name       string
	ServerName string
	From       string
	To         string
}

type AwsBuilderTerminationFailed struct {
	InstanceID string
}

// Percentage computes 100*used/total when not already given, rounded to
// one decimal per spec.md §4.6.
func Percentage(used, total float64) float64 {
	if total == 0 {
		return 0
	}
	pct := 100 * used / total
	return float64(int(pct*10+0.5)) / 10
}

// text renders a variant to a single human-readable line plus Slack blocks.
func (v Variant) text() (string, []slack.Block) {
	switch {
	case v.ServerUnreachable != nil:
		a := v.ServerUnreachable
		header := fmt.Sprintf("Server %s", a.Name)
		if a.Region != "" {
			header += fmt.Sprintf(" (%s)", a.Region)
		}
		line := fmt.Sprintf("%s is %s", header, a.Level)
		return line, []slack.Block{slack.NewSectionBlock(slack.NewTextBlockObject("mrkdwn", line, false, false), nil, nil)}

	case v.ServerCpu != nil:
		a := v.ServerCpu
		pct := a.Percentage
		if pct == 0 && a.TotalGB != 0 {
			pct = Percentage(a.UsedGB, a.TotalGB)
		}
		line := fmt.Sprintf("Server %s cpu at %.1f%%", a.Name, pct)
		return line, []slack.Block{slack.NewSectionBlock(slack.NewTextBlockObject("mrkdwn", line, false, false), nil, nil)}

	case v.ServerMem != nil:
		a := v.ServerMem
		pct := a.Percentage
		if pct == 0 {
			pct = Percentage(a.UsedGB, a.TotalGB)
		}
		line := fmt.Sprintf("Server %s mem at %.1f%% (%.1f/%.1f GB)", a.Name, pct, a.UsedGB, a.TotalGB)
		return line, []slack.Block{slack.NewSectionBlock(slack.NewTextBlockObject("mrkdwn", line, false, false), nil, nil)}

	case v.ServerDisk != nil:
		a := v.ServerDisk
		pct := Percentage(a.UsedGB, a.TotalGB)
		line := fmt.Sprintf("Server %s disk %s at %.1f%% (%.1f/%.1f GB)", a.Name, a.Path, pct, a.UsedGB, a.TotalGB)
		return line, []slack.Block{slack.NewSectionBlock(slack.NewTextBlockObject("mrkdwn", line, false, false), nil, nil)}

	case v.ContainerStateChange != nil:
		a := v.ContainerStateChange
		line := fmt.Sprintf("Container %s on %s: %s -> %s", a.Name, a.ServerName, a.From, a.To)
		return line, []slack.Block{slack.NewSectionBlock(slack.NewTextBlockObject("mrkdwn", line, false, false), nil, nil)}

	case v.AwsBuilderTermination != nil:
		a := v.AwsBuilderTermination
		line := fmt.Sprintf("AWS builder instance %s failed to terminate", a.InstanceID)
		return line, []slack.Block{slack.NewSectionBlock(slack.NewTextBlockObject("mrkdwn", line, false, false), nil, nil)}
	}
	return "", nil
}

// Sink is one alerter destination.
type Sink interface {
	Send(ctx context.Context, v Variant) error
}

// SlackSink posts to a Slack incoming webhook URL.
type SlackSink struct {
	WebhookURL string
	httpClient *http.Client
}

func NewSlackSink(webhookURL string) *SlackSink {
	return &SlackSink{WebhookURL: webhookURL, httpClient: &http.Client{Timeout: 10 * time.Second}}
}

func (s *SlackSink) Send(ctx context.Context, v Variant) error {
	text, blocks := v.text()
	msg := slack.WebhookMessage{Text: text, Blocks: &slack.Blocks{BlockSet: blocks}}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack webhook returned %d", resp.StatusCode)
	}
	return nil
}

// CustomSink POSTs the raw alert as JSON and requires HTTP 200.
type CustomSink struct {
	URL        string
	httpClient *http.Client
}

func NewCustomSink(url string) *CustomSink {
	return &CustomSink{URL: url, httpClient: &http.Client{Timeout: 10 * time.Second}}
}

func (c *CustomSink) Send(ctx context.Context, v Variant) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("custom alerter returned %d", resp.StatusCode)
	}
	return nil
}

func sinkFor(a *domain.Alerter) Sink {
	switch a.Config.Kind {
	case domain.AlerterSlack:
		return NewSlackSink(a.Config.URL)
	case domain.AlerterCustom:
		return NewCustomSink(a.Config.URL)
	default:
		return nil
	}
}

// Dispatcher fans alerts out to every enabled alerter concurrently.
type Dispatcher struct {
	loadAlerters func(ctx context.Context) ([]*domain.Alerter, error)
}

func NewDispatcher(loadAlerters func(ctx context.Context) ([]*domain.Alerter, error)) *Dispatcher {
	return &Dispatcher{loadAlerters: loadAlerters}
}

// SendAlerts dispatches every alert to every enabled alerter concurrently.
// A single sink's failure is logged and does not stop the others
// (spec.md §4.6).
func (d *Dispatcher) SendAlerts(ctx context.Context, alerts []Variant) {
	alerters, err := d.loadAlerters(ctx)
	if err != nil {
		logging.Error("alert: load alerters: %v", err)
		return
	}

	var wg sync.WaitGroup
	for _, a := range alerters {
		if !a.Config.Enabled {
			continue
		}
		sink := sinkFor(a)
		if sink == nil {
			continue
		}
		for _, v := range alerts {
			wg.Add(1)
			go func(a *domain.Alerter, sink Sink, v Variant) {
				defer wg.Done()
				if err := sink.Send(ctx, v); err != nil {
					logging.Error("alert: sink %s failed: %v", a.Name, err)
				}
			}(a, sink, v)
		}
	}
	wg.Wait()
}
