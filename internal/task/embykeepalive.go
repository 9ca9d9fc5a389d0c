package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"checkinbot/internal/classify"
	"checkinbot/internal/emby"
	logx "checkinbot/pkg/logx"
)

// EmbyKeepaliveHandler simulates playback against an Emby server so that
// inactivity-pruned accounts stay alive. No chat transport involved.
type EmbyKeepaliveHandler struct {
	Log logx.Logger
}

func (h *EmbyKeepaliveHandler) Kind() Kind { return KindEmbyKeepalive }

func (h *EmbyKeepaliveHandler) Execute(ctx context.Context, def *Definition) (Result, error) {
	p := def.Emby
	if p == nil {
		return Result{}, fmt.Errorf("task %s: missing emby params", def.ID)
	}

	deviceID := p.DeviceID
	if deviceID == "" {
		// Stable per task so the server sees one device, not a new one per run.
		deviceID = "checkinbot-" + def.ID
	}

	client, err := emby.New(emby.Config{
		ServerURL:      p.ServerURL,
		Username:       p.Username,
		Password:       p.Password,
		APIKey:         p.APIKey,
		ProxyURL:       p.ProxyURL,
		DeviceName:     p.DeviceName,
		DeviceID:       deviceID,
		ClientName:     p.ClientName,
		ClientVersion:  p.ClientVersion,
		PlayDuration:   time.Duration(p.PlayDurationSeconds) * time.Second,
		ReportInterval: time.Duration(p.ReportIntervalSeconds) * time.Second,
		RandomItem:     p.RandomItem,
		VerifySSL:      p.VerifySSL,
	}, h.Log.With(logx.String("task", def.Name)))
	if err != nil {
		// Config problems never improve with retries.
		return Result{Category: classify.CategoryFailure, Detail: err.Error()}, err
	}

	res, err := client.KeepAlive(ctx)
	if err != nil {
		if errors.Is(err, emby.ErrAuthFailed) {
			return Result{Category: classify.CategoryAccountError, Detail: err.Error()}, nil
		}
		return Result{Category: classify.CategoryError, Detail: err.Error()}, nil
	}

	return Result{
		Category: classify.CategorySuccess,
		Detail:   res.Message,
	}, nil
}
