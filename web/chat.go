package web

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/dshills/agentflow/workflow"
	"github.com/gin-gonic/gin"
)

// chatWorkflow resolves the workflow the chat UI talks to: the configured
// name, or the only catalog entry when there is exactly one.
func (s *Server) chatWorkflow() (string, error) {
	if s.cfg.ChatWorkflow != "" {
		return s.cfg.ChatWorkflow, nil
	}
	names := s.cfg.Launcher.Workflows()
	if len(names) == 1 {
		return names[0], nil
	}
	return "", fmt.Errorf("chat workflow not configured")
}

func (s *Server) handleChat(c *gin.Context) {
	name, err := s.chatWorkflow()
	if err != nil {
		s.fail(c, err)
		return
	}
	s.render(c, http.StatusOK, "chat", gin.H{"Title": "Chat", "Workflow": name})
}

// handleChatSend runs one message through the workflow synchronously and
// returns the exchange as an HTML fragment the page appends to #messages.
func (s *Server) handleChatSend(c *gin.Context) {
	name, err := s.chatWorkflow()
	if err != nil {
		s.fail(c, err)
		return
	}
	message := c.PostForm("message")
	if message == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return
	}

	decl, ok := s.cfg.Launcher.Declaration(name)
	if !ok {
		s.fail(c, fmt.Errorf("%w: %q", ErrUnknownWorkflow, name))
		return
	}
	inputs := map[string]any{chatInputField(decl): message}

	record, err := s.cfg.Launcher.Execute(c.Request.Context(), name, inputs)
	reply := ""
	if record != nil {
		reply = chatReply(record.Outputs)
	}
	if err != nil {
		reply = "error: " + err.Error()
	}
	s.render(c, http.StatusOK, "chat_message", gin.H{
		"Workflow": name,
		"Message":  message,
		"Reply":    reply,
	})
}

// chatInputField picks the state field the user's message binds to: a field
// named "message" when present, otherwise the first input field by name.
func chatInputField(decl *workflow.Declaration) string {
	produced := map[string]bool{}
	for _, node := range decl.Nodes {
		for _, name := range node.Outputs {
			produced[name] = true
		}
	}
	var candidates []string
	for name := range decl.State.Fields {
		if produced[name] {
			continue
		}
		if name == "message" {
			return name
		}
		candidates = append(candidates, name)
	}
	sort.Strings(candidates)
	if len(candidates) > 0 {
		return candidates[0]
	}
	return "message"
}

// chatReply picks the reply text from the run outputs: "reply" or "response"
// when present, otherwise the first string output by name.
func chatReply(outputs map[string]any) string {
	for _, key := range []string{"reply", "response"} {
		if text, ok := outputs[key].(string); ok {
			return text
		}
	}
	keys := make([]string, 0, len(outputs))
	for name := range outputs {
		keys = append(keys, name)
	}
	sort.Strings(keys)
	for _, name := range keys {
		if text, ok := outputs[name].(string); ok {
			return text
		}
	}
	return fmt.Sprintf("%v", outputs)
}
