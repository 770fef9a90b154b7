//go:build ignore

// Standalone receiver to eyeball security webhooks during local runs:
//
//	go run webhook_receiver.go
package main

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
)

func main() {
	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Only POST method is accepted", http.StatusMethodNotAllowed)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "Error reading request body", http.StatusInternalServerError)
			return
		}
		defer r.Body.Close()

		var data map[string]interface{}
		if err := json.Unmarshal(body, &data); err != nil {
			http.Error(w, "Error parsing JSON", http.StatusBadRequest)
			return
		}

		log.Println("Received webhook:")
		log.Printf("  Event: %v", data["event"])
		log.Printf("  Account ID: %v", data["account_id"])
		log.Printf("  Session ID: %v", data["session_id"])
		log.Printf("  Device: %v", data["device_fingerprint"])

		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Webhook received!"))
	})

	log.Println("Webhook receiver listening on :9000")
	log.Fatal(http.ListenAndServe(":9000", nil))
}
