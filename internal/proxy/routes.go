package proxy

import "net/http"

// Routes builds the route table.
func (a *App) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /chat", a.HandleChat)
	mux.HandleFunc("GET /stream", a.HandleStream)
	mux.HandleFunc("POST /reset", a.HandleReset)
	mux.HandleFunc("GET /history", a.HandleHistory)
	mux.HandleFunc("GET /status", a.HandleStatus)
	mux.HandleFunc("GET /health", a.HandleHealth)

	return mux
}
