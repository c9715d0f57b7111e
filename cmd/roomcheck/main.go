// Command roomcheck dials a running room server, optionally joins a room and prints what it hears.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/cheese-rooms/pkg/roomdto"
)

func main() {
	wsURL := os.Getenv("ROOMS_WS_URL")
	token := os.Getenv("ROOMS_TOKEN")
	code := os.Getenv("ROOM_CODE")

	if wsURL == "" {
		log.Fatal("ROOMS_WS_URL is required")
	}
	if token == "" {
		log.Fatal("ROOMS_TOKEN is required")
	}
	window := 10 * time.Second
	if v := os.Getenv("ROOMCHECK_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			window = d
		}
	}

	cctx, ccancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer ccancel()
	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+token)
	conn, resp, err := websocket.Dial(cctx, wsURL, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		HTTPHeader:      hdr,
	})
	if err != nil {
		if resp != nil {
			log.Printf("WS connect error: %v (status %d)", err, resp.StatusCode)
		} else {
			log.Printf("WS connect error: %v", err)
		}
		os.Exit(1)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	log.Printf("WS connected: %s", wsURL)

	ctx, cancel := context.WithTimeout(context.Background(), window)
	defer cancel()

	if code != "" {
		data, _ := json.Marshal(roomdto.JoinRoomRequest{Code: code})
		if err := wsjson.Write(ctx, conn, roomdto.Inbound{Event: roomdto.CmdJoinRoom, Data: data}); err != nil {
			log.Fatalf("join-room send error: %v", err)
		}
		log.Printf("join-room sent: code=%s", code)
	}

	// Observe for a short window
	for {
		var ev struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				log.Println("done")
				return
			}
			log.Printf("WS read error: %v", err)
			return
		}
		fmt.Printf("WS event=%s data=%s\n", ev.Event, ev.Data)
	}
}
