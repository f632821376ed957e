package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/gemchat/gemchat/internal/chat"
	"github.com/gemchat/gemchat/internal/common"
	"github.com/gemchat/gemchat/internal/queue"
	"github.com/gemchat/gemchat/internal/quota"
)

type createChatroomReq struct {
	Name        string `json:"name" binding:"required,min=1,max=255"`
	Description string `json:"description" binding:"max=1000"`
}

func (h *Handler) CreateChatroom(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req createChatroomReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid request body")
		return
	}

	room, err := h.ChatSvc.CreateChatroom(c.Request.Context(), uid, req.Name, req.Description)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to create chatroom")
		return
	}
	common.OK(c, gin.H{"chatroom": room})
}

func (h *Handler) ListChatrooms(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	rooms, cached, err := h.ChatSvc.ListChatrooms(c.Request.Context(), uid)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to list chatrooms")
		return
	}
	common.OK(c, gin.H{"chatrooms": rooms, "cached": cached})
}

func (h *Handler) GetChatroom(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	roomID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10004, "invalid chatroom id")
		return
	}

	room, msgs, err := h.ChatSvc.GetChatroomWithMessages(c.Request.Context(), uid, roomID)
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			common.Fail(c, http.StatusNotFound, 40401, "chatroom not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to load chatroom")
		return
	}
	common.OK(c, gin.H{"chatroom": room, "messages": msgs})
}

func (h *Handler) DeleteChatroom(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	roomID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10004, "invalid chatroom id")
		return
	}

	if err := h.ChatSvc.DeleteChatroom(c.Request.Context(), uid, roomID); err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			common.Fail(c, http.StatusNotFound, 40401, "chatroom not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50003, "failed to delete chatroom")
		return
	}
	common.OK(c, gin.H{"deleted": true})
}

type sendMessageReq struct {
	Content string `json:"content" binding:"required,min=1,max=10000"`
}

// SendMessage accepts a message into the async pipeline. A 200 here means
// the job is durably queued, nothing more; clients poll the status endpoint
// for the outcome.
func (h *Handler) SendMessage(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	tier := tierFromContext(c)

	roomID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10004, "invalid chatroom id")
		return
	}

	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid request body")
		return
	}

	msg, err := h.ChatSvc.SendMessage(c.Request.Context(), uid, tier, roomID, req.Content)
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrNotFound):
			common.Fail(c, http.StatusNotFound, 40401, "chatroom not found")
		case errors.Is(err, quota.ErrExceeded):
			common.Fail(c, http.StatusTooManyRequests, 42901,
				"daily message limit reached, upgrade to Pro for unlimited messages")
		case errors.Is(err, queue.ErrUnavailable):
			common.Fail(c, http.StatusServiceUnavailable, 50301, "message queue unavailable")
		default:
			common.Fail(c, http.StatusInternalServerError, 50004, "failed to send message")
		}
		return
	}

	common.OK(c, gin.H{
		"message":      msg,
		"queue_status": "processing",
	})
}

func (h *Handler) GetMessageStatus(c *gin.Context) {
	uid, ok := userIDFromContext(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	messageID, err := strconv.ParseUint(c.Param("message_id"), 10, 64)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10005, "invalid message id")
		return
	}

	view, err := h.ChatSvc.MessageStatus(c.Request.Context(), uid, messageID)
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			common.Fail(c, http.StatusNotFound, 40402, "message not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50005, "failed to load message status")
		return
	}
	common.OK(c, view)
}
