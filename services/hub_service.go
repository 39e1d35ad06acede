package services

import (
	"context"
	"encoding/json"

	"microlearn/models"
	"microlearn/utils"
)

// HubService owns the websocket client registry. All map access happens on the Run
// goroutine.
type HubService struct {
	hub     *models.Hub
	log     *utils.Logger
	stopped chan struct{}
}

func NewHubService(log *utils.Logger) *HubService {
	if log == nil {
		log = utils.NewNopLogger()
	}
	return &HubService{
		hub:     models.NewHub(),
		log:     log.With("service", "HubService"),
		stopped: make(chan struct{}),
	}
}

func (h *HubService) GetHub() *models.Hub {
	return h.hub
}

func (h *HubService) Run(ctx context.Context) {
	defer close(h.stopped)
	for {
		select {
		case <-ctx.Done():
			for client := range h.hub.Clients {
				h.removeClient(client)
			}
			return

		case client := <-h.hub.Register:
			h.registerClient(client)

		case client := <-h.hub.Unregister:
			h.removeClient(client)

		case d := <-h.hub.Deliver:
			h.deliver(d)
		}
	}
}

// Register and Unregister return immediately once Run has exited.
func (h *HubService) Register(client *models.Client) {
	select {
	case h.hub.Register <- client:
	case <-h.stopped:
	}
}

func (h *HubService) Unregister(client *models.Client) {
	select {
	case h.hub.Unregister <- client:
	case <-h.stopped:
	}
}

func (h *HubService) registerClient(client *models.Client) {
	h.hub.Clients[client] = true
	h.hub.UserClients[client.UserID] = append(h.hub.UserClients[client.UserID], client)
	h.log.Debug("client registered", "client_id", client.ID, "user_id", client.UserID)
}

func (h *HubService) removeClient(client *models.Client) {
	if _, ok := h.hub.Clients[client]; !ok {
		return
	}
	delete(h.hub.Clients, client)
	close(client.Send)

	clients := h.hub.UserClients[client.UserID]
	for i, c := range clients {
		if c == client {
			clients = append(clients[:i], clients[i+1:]...)
			break
		}
	}
	if len(clients) == 0 {
		delete(h.hub.UserClients, client.UserID)
	} else {
		h.hub.UserClients[client.UserID] = clients
	}
	h.log.Debug("client unregistered", "client_id", client.ID, "user_id", client.UserID)
}

func (h *HubService) deliver(d models.Delivery) {
	// Copy: removeClient mutates the slice.
	clients := append([]*models.Client(nil), h.hub.UserClients[d.UserID]...)
	for _, client := range clients {
		select {
		case client.Send <- d.Payload:
		default:
			h.log.Warn("client send buffer full, dropping connection", "client_id", client.ID)
			h.removeClient(client)
		}
	}
}

// BroadcastToUser queues an event for every session of userID. It never blocks the caller;
// when the hub is saturated the event is dropped.
func (h *HubService) BroadcastToUser(userID uint, messageType string, data interface{}) {
	payload, err := json.Marshal(models.WSMessage{Type: messageType, Data: data})
	if err != nil {
		h.log.Error("marshal websocket message", "error", err)
		return
	}
	select {
	case h.hub.Deliver <- models.Delivery{UserID: userID, Payload: payload}:
	default:
		h.log.Warn("hub delivery queue full, dropping event", "type", messageType, "user_id", userID)
	}
}

// Forward adapts the hub to EventBus.StartForwarder.
func (h *HubService) Forward(evt Event) {
	h.BroadcastToUser(evt.UserID, evt.Type, evt.Data)
}
