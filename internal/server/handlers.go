package server

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"braincolab/internal/knowledge"
)

type modelView struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Provider    string  `json:"provider"`
	InputPrice  float64 `json:"input_price"`
	OutputPrice float64 `json:"output_price"`
}

func (s *Server) handleModels(c echo.Context) error {
	models := s.catalog.Models()
	views := make([]modelView, 0, len(models))
	for _, m := range models {
		views = append(views, modelView{
			ID:          m.ID,
			Name:        m.Name,
			Provider:    m.Provider,
			InputPrice:  m.InputPrice,
			OutputPrice: m.OutputPrice,
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"models": views})
}

// handleCredits returns a mock balance; a real gateway billing API would be
// queried here instead.
func (s *Server) handleCredits(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"credits":    s.cfg.Credits.Balance,
		"currency":   s.cfg.Credits.Currency,
		"updated_at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleKnowledgeNotes(c echo.Context) error {
	if s.notes == nil {
		return requestError{Status: http.StatusServiceUnavailable, Message: "Knowledge store not configured"}
	}

	notes, err := s.notes.Notes(c.Request().Context())
	if err != nil {
		return requestError{Status: http.StatusInternalServerError, Message: "Failed to fetch notes", Details: err.Error()}
	}
	if notes == nil {
		notes = []knowledge.Note{}
	}
	return c.JSON(http.StatusOK, map[string]any{"notes": notes})
}

func (s *Server) handleKnowledgeGraph(c echo.Context) error {
	if s.notes == nil {
		return requestError{Status: http.StatusServiceUnavailable, Message: "Knowledge store not configured"}
	}

	notes, err := s.notes.NotesWithEmbeddings(c.Request().Context())
	if err != nil {
		return requestError{Status: http.StatusInternalServerError, Message: "Failed to build graph", Details: err.Error()}
	}
	return c.JSON(http.StatusOK, knowledge.BuildGraph(notes))
}
