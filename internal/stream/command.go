package stream

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btouchard/dispatchboard/internal/dispatch"
)

// Command is an inbound client message of a known kind.
type Command interface {
	commandType() string
}

// LocationUpdate moves a technician and/or changes their status.
type LocationUpdate struct {
	TechnicianID int64
	Patch        dispatch.TechnicianPatch
}

func (LocationUpdate) commandType() string { return dispatch.MessageLocationUpdate }

type envelope struct {
	Type string `json:"type"`
}

type locationUpdatePayload struct {
	ID        int64    `json:"id"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Status    *string  `json:"status"`
}

// errMalformed marks payloads that are dropped without a reply.
var errMalformed = errors.New("malformed command")

// DecodeCommand parses one inbound frame. Unknown kinds yield a nil
// Command and a nil error.
func DecodeCommand(data []byte) (Command, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}

	switch env.Type {
	case dispatch.MessageLocationUpdate:
		return decodeLocationUpdate(data)
	default:
		return nil, nil
	}
}

func decodeLocationUpdate(data []byte) (Command, error) {
	var p locationUpdatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if p.ID <= 0 {
		return nil, fmt.Errorf("%w: missing technician id", errMalformed)
	}

	cmd := LocationUpdate{TechnicianID: p.ID}
	switch {
	case p.Latitude != nil && p.Longitude != nil:
		pos, err := dispatch.NewPosition(*p.Latitude, *p.Longitude)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errMalformed, err)
		}
		cmd.Patch.Position = &pos
	case p.Latitude != nil || p.Longitude != nil:
		return nil, fmt.Errorf("%w: latitude and longitude must be sent together", errMalformed)
	}
	if p.Status != nil {
		s := dispatch.TechnicianStatus(*p.Status)
		if !s.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", errMalformed, *p.Status)
		}
		cmd.Patch.Status = &s
	}
	if cmd.Patch.Position == nil && cmd.Patch.Status == nil {
		return nil, fmt.Errorf("%w: nothing to update", errMalformed)
	}
	return cmd, nil
}
