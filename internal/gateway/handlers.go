package gateway

import (
	"context"
	"encoding/json"
	"time"

	"replypilot/internal/channel"
	"replypilot/internal/config"
)

// SettingsView is the preferences record as exposed over the request
// channel. The credential itself never crosses the channel, only
// whether one is configured.
type SettingsView struct {
	Tone                 config.Tone   `json:"tone"`
	MaxLength            int           `json:"maxLength"`
	DefaultAction        config.Action `json:"defaultAction"`
	Limit                int           `json:"limit"`
	PacedInsertion       bool          `json:"pacedInsertion"`
	CredentialConfigured bool          `json:"credentialConfigured"`
}

// UsageView reports the state of the reply counter.
type UsageView struct {
	Count     int       `json:"usageCount"`
	Limit     int       `json:"limit"`
	WindowEnd time.Time `json:"windowEnd"`
	ResetsIn  string    `json:"resetsIn"`
}

// Attach registers the gateway's message handlers on a dispatcher.
// Each handler reloads persisted state on entry, so the privileged
// side stays correct across restarts of the receiving end.
func Attach(d *channel.Dispatcher, g *Gateway) {
	d.Register(channel.TypeGenerateReply, func(ctx context.Context, payload json.RawMessage) (interface{}, error) {
		var req ReplyRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return g.Handle(ctx, req), nil
	})

	d.Register(channel.TypeGetSettings, func(context.Context, json.RawMessage) (interface{}, error) {
		s, err := g.Settings()
		if err != nil {
			return nil, err
		}
		return SettingsView{
			Tone:                 s.Tone,
			MaxLength:            s.MaxLength,
			DefaultAction:        s.DefaultAction,
			Limit:                s.Limit,
			PacedInsertion:       s.PacedInsertion,
			CredentialConfigured: s.Credential != "",
		}, nil
	})

	d.Register(channel.TypeGetUsage, func(context.Context, json.RawMessage) (interface{}, error) {
		rec, err := g.Usage()
		if err != nil {
			return nil, err
		}
		return usageView(rec.Count, rec.Limit, rec.WindowEnd), nil
	})

	d.Register(channel.TypeResetUsage, func(context.Context, json.RawMessage) (interface{}, error) {
		rec, err := g.ResetUsage()
		if err != nil {
			return nil, err
		}
		return usageView(rec.Count, rec.Limit, rec.WindowEnd), nil
	})
}

func usageView(count, limit int, windowEnd time.Time) UsageView {
	return UsageView{
		Count:     count,
		Limit:     limit,
		WindowEnd: windowEnd,
		ResetsIn:  FormatRemaining(time.Until(windowEnd)),
	}
}
