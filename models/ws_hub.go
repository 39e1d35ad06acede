package models

import (
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	EventChatCreated      = "chat_created"
	EventChatTitleUpdated = "chat_title_updated"
	EventMessagesCreated  = "messages_created"
	EventChatDeleted      = "chat_deleted"
	EventClientConnected  = "client_connected"
)

type Hub struct {
	Clients     map[*Client]bool
	Register    chan *Client
	Unregister  chan *Client
	Deliver     chan Delivery
	UserClients map[uint][]*Client
}

// Delivery is an encoded frame addressed to every session of one user.
type Delivery struct {
	UserID  uint
	Payload []byte
}

type Client struct {
	ID     string
	Hub    *Hub
	Conn   *websocket.Conn
	Send   chan []byte
	UserID uint
}

type WSMessage struct {
	Type     string      `json:"type"`
	Data     interface{} `json:"data"`
	ClientID string      `json:"clientId,omitempty"`
}

func NewHub() *Hub {
	return &Hub{
		Clients:     make(map[*Client]bool),
		Register:    make(chan *Client),
		Unregister:  make(chan *Client),
		Deliver:     make(chan Delivery, 64),
		UserClients: make(map[uint][]*Client),
	}
}

func NewClient(hub *Hub, conn *websocket.Conn, userID uint) *Client {
	return &Client{
		ID:     uuid.New().String(),
		Hub:    hub,
		Conn:   conn,
		Send:   make(chan []byte, 256),
		UserID: userID,
	}
}
