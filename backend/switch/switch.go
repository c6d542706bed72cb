package _switch

import (
	"context"
	"time"

	"github.com/adwski/socket-chat/backend/metrics"
	"github.com/adwski/socket-chat/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultFwdTimout = time.Second
)

type RoomStore interface {
	Subscribe(roomID string, p model.Participant) bool
	Unsubscribe(roomID, sessionID string) (bool, bool)
	Publish(roomID string, fn func([]model.Participant)) error
}

// Switch fans messages out to every subscriber of a room.
type Switch struct {
	logger  zerolog.Logger
	store   RoomStore
	metrics *metrics.Metrics
	timeout time.Duration
}

func NewSwitch(logger *zerolog.Logger, store RoomStore, m *metrics.Metrics) *Switch {
	return &Switch{
		logger:  logger.With().Str("component", "switch").Logger(),
		store:   store,
		metrics: m,
		timeout: defaultFwdTimout,
	}
}

func (sw *Switch) Connect(roomID string, p model.Participant) error {
	if sw.store.Subscribe(roomID, p) {
		sw.metrics.Rooms.Inc()
	}
	sw.logger.Debug().
		Str("roomID", roomID).
		Str("sessionID", p.SessionID).
		Msg("endpoint connected")
	return nil
}

func (sw *Switch) Disconnect(roomID, sessionID string) error {
	found, destroyed := sw.store.Unsubscribe(roomID, sessionID)
	if destroyed {
		sw.metrics.Rooms.Dec()
	}
	if found {
		sw.logger.Debug().
			Str("roomID", roomID).
			Str("sessionID", sessionID).
			Msg("endpoint disconnected")
	}
	return nil
}

// Broadcast delivers msg to every current subscriber of the room including
// its sender. It returns the number of subscribers reached.
func (sw *Switch) Broadcast(ctx context.Context, msg model.Message, roomID string) (int, error) {
	var sent int
	err := sw.store.Publish(roomID, func(members []model.Participant) {
		for _, p := range members {
			ok, canceled := send(ctx, msg, p.Wire.TX, sw.timeout)
			if canceled {
				return
			}
			if ok {
				sent++
				continue
			}
			sw.metrics.DeliveryFailed.Inc()
			sw.logger.Error().
				Str("roomID", roomID).
				Str("dst", p.SessionID).
				Msg("dead endpoint")
		}
	})
	if err != nil {
		return 0, err
	}
	if sent == 0 {
		sw.logger.Debug().
			Str("roomID", roomID).
			Msg("broadcast did not reach anyone")
	}
	return sent, nil
}

func send(ctx context.Context, msg model.Message, tx chan<- model.Message, timeout time.Duration) (bool, bool) {
	var sent, canceled bool
	tCh := time.NewTimer(timeout)
	select {
	case <-ctx.Done():
		canceled = true
	case <-tCh.C:
	case tx <- msg:
		sent = true
	}
	tCh.Stop()
	return sent, canceled
}
