package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"jura/internal/agentstream"
	"jura/internal/conversation"
	"jura/internal/orchestrator"
	"jura/internal/sse"
	"jura/internal/streamerr"
)

const heartbeatInterval = 30 * time.Second

type chatRequest struct {
	ThreadID string         `json:"thread_id"`
	Agent    string         `json:"agent"`
	Message  string         `json:"message"`
	Params   map[string]any `json:"params"`
}

// handleStreamChat runs one turn and relays its events as SSE in the
// agent wire vocabulary, so existing frontends need no changes. A client
// disconnect cancels the upstream turn.
func (s *Server) handleStreamChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Message == "" || req.Agent == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "agent and message are required"})
		return
	}

	var ref conversation.ThreadRef
	if req.ThreadID != "" {
		ref = conversation.ConfirmedRef(req.ThreadID)
	}

	turn, err := s.orch.Submit(c.Request.Context(), orchestrator.SubmitRequest{
		Thread:  ref,
		Agent:   req.Agent,
		Message: req.Message,
		Params:  req.Params,
	})
	if err != nil {
		if streamerr.IsBusy(err) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	// Comment heartbeats keep intermediaries from reaping quiet streams.
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	clientGone := c.Request.Context().Done()
	for {
		select {
		case tr, ok := <-turn.Transitions():
			if !ok {
				return
			}
			if err := s.relayTransition(c, tr, turn); err != nil {
				s.logger.Warn("relay write failed, canceling turn: %v", err)
				turn.Cancel()
				turn.Drain()
				return
			}
			c.Writer.Flush()

		case <-heartbeat.C:
			if err := sse.WriteComment(c.Writer, "heartbeat"); err != nil {
				s.logger.Warn("heartbeat write failed, canceling turn: %v", err)
				turn.Cancel()
				turn.Drain()
				return
			}
			c.Writer.Flush()

		case <-clientGone:
			s.logger.Info("client disconnected, canceling turn thread=%s", turn.Thread().ID())
			turn.Cancel()
			turn.Drain()
			return
		}
	}
}

// relayTransition renders one state-machine step back into wire frames.
func (s *Server) relayTransition(c *gin.Context, tr orchestrator.Transition, turn *orchestrator.Turn) error {
	w := c.Writer

	if tr.State == orchestrator.StateClosed {
		err := turn.Err()
		if err == nil {
			return nil
		}
		// The agent's own error message goes out verbatim.
		var af *streamerr.AgentFailure
		if errors.As(err, &af) {
			return sse.WriteFrame(w, "error", gin.H{"message": af.Message})
		}
		return sse.WriteFrame(w, "error", gin.H{"message": err.Error()})
	}

	switch ev := tr.Event.(type) {
	case agentstream.Start:
		return sse.WriteFrame(w, "start", gin.H{"role": ev.Role, "agent": ev.Agent})
	case agentstream.ThreadAssigned:
		return sse.WriteFrame(w, "metadata", gin.H{"thread_id": ev.ThreadID})
	case agentstream.Thinking:
		status := "processing"
		if ev.Done {
			status = "done"
		}
		return sse.WriteFrame(w, "thinking", gin.H{"status": status})
	case agentstream.Token:
		return sse.WriteFrame(w, "token", gin.H{"token": ev.Text})
	case agentstream.ToolInvoked:
		return sse.WriteFrame(w, "tool_call", gin.H{
			"id": ev.CallID, "name": ev.Name, "arguments": json.RawMessage(ev.Arguments),
		})
	case agentstream.ToolCompleted:
		if ev.Failed {
			return sse.WriteFrame(w, "tool_call", gin.H{"id": ev.CallID, "name": ev.Name, "error": ev.Result})
		}
		return sse.WriteFrame(w, "tool_call", gin.H{"id": ev.CallID, "name": ev.Name, "result": ev.Result})
	case agentstream.Done:
		return sse.WriteFrame(w, "done", gin.H{
			"message_id": ev.MessageID, "thread_id": ev.ThreadID, "content": ev.FinalText,
		})
	case agentstream.Unknown:
		return sse.WriteFrame(w, ev.Event, json.RawMessage(ev.Raw))
	default:
		// Pure state changes carry no wire frame.
		return nil
	}
}
