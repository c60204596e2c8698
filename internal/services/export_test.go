package services

import (
	"slices"

	"github.com/MegaGrindStone/gemini-web-chat/internal/models"
)

// History returns a copy of the committed conversation history.
func (s *HistorySession) History() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.history)
}
