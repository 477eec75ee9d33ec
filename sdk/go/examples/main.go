package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"LinguaChain/sdk/go/linguachain"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/tasks", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(struct {
				Task linguachain.Task `json:"task"`
			}{Task: linguachain.Task{
				TaskID:     "task-demo",
				Status:     "Pending",
				InputQuery: "hola mundo",
			}})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/tasks/task-demo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(linguachain.TaskDetail{
			Task: linguachain.Task{
				TaskID: "task-demo",
				Status: "Completed",
				Output: "https://gateway.pinata.cloud/ipfs/QmDemoAudio",
			},
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := linguachain.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	task, err := client.SubmitTask(ctx, linguachain.TaskSubmission{Query: "hola mundo"})
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted task %s (status=%s)\n", task.TaskID, task.Status)

	detail, err := client.WaitForTask(ctx, task.TaskID, 100*time.Millisecond)
	if err != nil {
		panic(err)
	}
	fmt.Printf("task %s finished with output %s\n", detail.Task.TaskID, detail.Task.Output)
}
