// Package events defines the domain events the coordination subsystem
// publishes for UI-layer consumers, and the publishers that carry them.
package events

import (
	"encoding/json"
	"time"
)

// Type names a game event.
type Type string

const (
	TypeGameStarted  Type = "GameStarted"
	TypeNumberCalled Type = "NumberCalled"
	TypeGamePaused   Type = "GamePaused"
	TypeGameResumed  Type = "GameResumed"
	TypePrizeWon     Type = "PrizeWon"
	TypeGameOver     Type = "GameOver"
	TypeGameError    Type = "GameError"
)

// Envelope is the wire form shared by every transport.
type Envelope struct {
	EventID   string          `json:"event_id"`
	GameID    string          `json:"game_id"`
	EventType Type            `json:"event_type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// GameStartedPayload announces a session entering the running phase.
type GameStartedPayload struct {
	GameID    string    `json:"game_id"`
	StartedAt time.Time `json:"started_at"`
}

// NumberCalledPayload announces a committed draw.
type NumberCalledPayload struct {
	Number       int       `json:"number"`
	SequenceID   int       `json:"sequence_id"`
	CalledCount  int       `json:"called_count"`
	CalledAt     time.Time `json:"called_at"`
}

// GamePausedPayload announces a pause.
type GamePausedPayload struct {
	PausedAt time.Time `json:"paused_at"`
}

// GameResumedPayload announces a resume.
type GameResumedPayload struct {
	ResumedAt time.Time `json:"resumed_at"`
}

// PrizeWonPayload announces a completed pattern.
type PrizeWonPayload struct {
	PrizeID string    `json:"prize_id"`
	WonAt   time.Time `json:"won_at"`
}

// GameOverPayload announces the terminal phase with final results.
type GameOverPayload struct {
	CalledNumbers []int     `json:"called_numbers"`
	PrizesWon     []string  `json:"prizes_won"`
	EndedAt       time.Time `json:"ended_at"`
}

// GameErrorPayload surfaces a recorded error.
type GameErrorPayload struct {
	Message string `json:"message"`
}
