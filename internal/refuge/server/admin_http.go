package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// AdminHandler serves the loopback-only registry recovery endpoints:
//
//	GET    /admin/v1/state
//	POST   /admin/v1/backup
//	GET    /admin/v1/refuges[?x=&y=]
//	GET    /admin/v1/refuges/<username>
//	DELETE /admin/v1/refuges/<username>
//	POST   /admin/v1/refuges/<username>/assign?slot=N
//	POST   /admin/v1/refuges/<username>/repair
func (s *Server) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
		s.serveAdmin(rw, r, http.MethodGet, AdminRequest{Op: AdminState})
	})
	mux.HandleFunc("/admin/v1/backup", func(rw http.ResponseWriter, r *http.Request) {
		s.serveAdmin(rw, r, http.MethodPost, AdminRequest{Op: AdminBackup})
	})
	mux.HandleFunc("/admin/v1/refuges", func(rw http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Has("x") || q.Has("y") {
			x, errX := strconv.Atoi(q.Get("x"))
			y, errY := strconv.Atoi(q.Get("y"))
			if errX != nil || errY != nil {
				http.Error(rw, "bad coordinate", http.StatusBadRequest)
				return
			}
			s.serveAdmin(rw, r, http.MethodGet, AdminRequest{Op: AdminScan, X: x, Y: y})
			return
		}
		s.serveAdmin(rw, r, http.MethodGet, AdminRequest{Op: AdminList})
	})
	mux.HandleFunc("/admin/v1/refuges/", func(rw http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/admin/v1/refuges/")
		parts := strings.Split(strings.Trim(path, "/"), "/")
		if len(parts) == 0 || parts[0] == "" || len(parts) > 2 {
			http.NotFound(rw, r)
			return
		}
		user := parts[0]
		by := "http:" + r.RemoteAddr
		if len(parts) == 1 {
			switch r.Method {
			case http.MethodGet:
				s.serveAdmin(rw, r, http.MethodGet, AdminRequest{Op: AdminGet, Username: user})
			case http.MethodDelete:
				s.serveAdmin(rw, r, http.MethodDelete, AdminRequest{Op: AdminDelete, Username: user, By: by})
			default:
				rw.WriteHeader(http.StatusMethodNotAllowed)
			}
			return
		}
		switch parts[1] {
		case "assign":
			slot, err := strconv.Atoi(r.URL.Query().Get("slot"))
			if err != nil {
				http.Error(rw, "bad slot", http.StatusBadRequest)
				return
			}
			s.serveAdmin(rw, r, http.MethodPost, AdminRequest{Op: AdminAssign, Username: user, Slot: slot, By: by})
		case "repair":
			s.serveAdmin(rw, r, http.MethodPost, AdminRequest{Op: AdminRepair, Username: user, By: by})
		default:
			http.NotFound(rw, r)
		}
	})
	return mux
}

func (s *Server) serveAdmin(rw http.ResponseWriter, r *http.Request, method string, req AdminRequest) {
	if r.Method != method {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !isLoopbackRemote(r.RemoteAddr) {
		http.Error(rw, "forbidden", http.StatusForbidden)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	resp, err := s.Admin(ctx, req)
	rw.Header().Set("Content-Type", "application/json")
	if err != nil {
		if resp.Err == "" {
			rw.WriteHeader(http.StatusServiceUnavailable)
			resp.Err = err.Error()
		} else {
			rw.WriteHeader(http.StatusConflict)
		}
	}
	_ = json.NewEncoder(rw).Encode(resp)
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
