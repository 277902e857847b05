package supervisor

import (
	"encoding/json"
	"log/slog"
)

// MessageStatus is the severity of a control-plane response message. The
// wire values double as the slog level the client replays them at.
type MessageStatus string

const (
	StatusInfo  MessageStatus = "INFO"
	StatusWarn  MessageStatus = "WARN"
	StatusError MessageStatus = "ERROR"
)

// Response is the JSON envelope returned to control clients (status, stop,
// reload, version).
type Response struct {
	Messages []ResponseMessage `json:"messages"`
	Data     interface{}       `json:"data,omitempty"`
}

type ResponseMessage struct {
	Message string        `json:"message"`
	Status  MessageStatus `json:"status"`
}

func (r *Response) AddMessage(message string, status MessageStatus) {
	r.Messages = append(r.Messages, ResponseMessage{
		Message: message,
		Status:  status,
	})
}

func (r *Response) AddData(data interface{}) {
	r.Data = data
}

func (r *Response) ToJSON() string {
	bytes, err := json.Marshal(r)
	if err != nil {
		panic(err)
	}
	return string(bytes)
}

// LogMessages replays the response messages through slog on the client side.
func (r *Response) LogMessages() {
	for _, message := range r.Messages {
		switch message.Status {
		case StatusWarn:
			slog.Warn(message.Message)
		case StatusError:
			slog.Error(message.Message)
		default:
			slog.Info(message.Message)
		}
	}
}
