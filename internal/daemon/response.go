package daemon

import (
	"encoding/json"
	"log/slog"
)

const (
	StatusInfo  = "INFO"
	StatusWarn  = "WARN"
	StatusError = "ERROR"
)

// Response is the JSON document the daemon answers every command with
type Response struct {
	Messages []ResponseMessage `json:"messages"`
	Data     json.RawMessage   `json:"data,omitempty"`
}

type ResponseMessage struct {
	Message string `json:"message"`
	Status  string `json:"status"`
}

func (r *Response) AddMessage(message string, status string) {
	r.Messages = append(r.Messages, ResponseMessage{
		Message: message,
		Status:  status,
	})
}

// AddData marshals data into the response. Data that cannot be encoded is
// reported as an error message instead.
func (r *Response) AddData(data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		r.AddMessage("Failed to encode response data: "+err.Error(), StatusError)
		return
	}
	r.Data = raw
}

// DecodeData unmarshals the data section into v
func (r *Response) DecodeData(v any) error {
	if len(r.Data) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// Failed reports whether any message carries the ERROR status
func (r *Response) Failed() bool {
	for _, m := range r.Messages {
		if m.Status == StatusError {
			return true
		}
	}
	return false
}

func (r *Response) ToJSON() string {
	bytes, err := json.Marshal(r)
	if err != nil {
		panic(err)
	}
	return string(bytes)
}

func (r *Response) LogMessages() {
	for _, message := range r.Messages {
		switch message.Status {
		case StatusInfo:
			slog.Info(message.Message)
		case StatusWarn:
			slog.Warn(message.Message)
		case StatusError:
			slog.Error(message.Message)
		default:
			slog.Info(message.Message)
		}
	}
}
