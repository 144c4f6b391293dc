package chathandler

import "telechat/internal/chat"

type ErrorResponse struct {
	Error string `json:"error"`
} // @name ErrorResponse

type HealthResponse struct {
	Status string `json:"status" example:"ok"`
} // @name HealthResponse

type OnlineUsersResponse struct {
	Users []string `json:"users"`
} // @name OnlineUsersResponse

type MessagePage struct {
	Items []chat.Message `json:"items"`
} // @name MessagePage

type ListMessagesQuery struct {
	AppointmentID string `form:"appointment_id" binding:"required_without=UserID"`
	UserID        string `form:"user_id"        binding:"required_with=PeerID"`
	PeerID        string `form:"peer_id"        binding:"required_with=UserID"`
	BeforeID      string `form:"before_id"`
	Limit         int    `form:"limit,default=50" binding:"gte=0,lte=100"`
} // @name ListMessagesQuery
