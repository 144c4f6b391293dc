package chat

// Server -> client event names.
const (
	EventJoined            = "joined"
	EventAppointmentJoined = "appointment-joined"
	EventAppointmentLeft   = "appointment-left"
	EventMessageSent       = "message-sent"
	EventNewMessage        = "new-message"
	EventMessageRead       = "message-read"
	EventMessages          = "messages"
	EventError             = "error"
)

// Event is one frame addressed to a single connection.
type Event struct {
	Name string
	Body any
}

type JoinedBody struct {
	UserID ID     `json:"userId"`
	Room   string `json:"room"`
}

type AppointmentBody struct {
	AppointmentID ID     `json:"appointmentId"`
	Room          string `json:"room"`
}

type MessagesBody struct {
	AppointmentID ID        `json:"appointmentId,omitempty"`
	WithUserID    ID        `json:"withUserId,omitempty"`
	Items         []Message `json:"items"`
}

type ErrorBody struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Client -> server request bodies.

type JoinUserRequest struct {
	UserID ID `json:"userId" validate:"required"`
}

type JoinAppointmentRequest struct {
	AppointmentID ID `json:"appointmentId" validate:"required"`
}

type SendRequest struct {
	ReceiverID    ID          `json:"receiverId"    validate:"required"`
	AppointmentID ID          `json:"appointmentId"`
	Content       string      `json:"content"       validate:"required_without=FileURL,max=4000"`
	FileURL       string      `json:"fileUrl"       validate:"omitempty,url"`
	Type          MessageType `json:"type"          validate:"oneof=TEXT IMAGE FILE VIDEO"`
}

type MarkReadRequest struct {
	MessageID ID `json:"messageId" validate:"required"`
}

type HistoryRequest struct {
	AppointmentID ID  `json:"appointmentId" validate:"required_without=WithUserID"`
	WithUserID    ID  `json:"withUserId"`
	BeforeID      ID  `json:"beforeId"`
	Limit         int `json:"limit"         validate:"gte=0,lte=100"`
}
