package rest

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
)

const maxSampleLimit = 1000

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleReading(w http.ResponseWriter, r *http.Request) {
	reading := s.engine.LastReading()
	if !reading.OK {
		writeError(w, http.StatusNotFound, "no reading yet")
		return
	}
	writeJSON(w, http.StatusOK, reading)
}

func (s *Server) handleSamples(w http.ResponseWriter, r *http.Request) {
	store := s.engine.Store()
	if store == nil {
		writeError(w, http.StatusNotFound, "history disabled")
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxSampleLimit {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	samples, err := store.Recent(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, samples)
}

func (s *Server) handleEnergyReset(w http.ResponseWriter, r *http.Request) {
	s.engine.ResetEnergy()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

// changeAddressRequest carries the new device address, as "0xNN" or
// decimal.
type changeAddressRequest struct {
	Address string `json:"address"`
}

func (s *Server) handleChangeAddress(w http.ResponseWriter, r *http.Request) {
	var req changeAddressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	addr, err := ParseAddress(req.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.engine.ChangeAddress(addr); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"address": req.Address})
}

// ParseAddress parses a device address given as "0xNN", hex or decimal.
func ParseAddress(value string) (byte, error) {
	value = strings.TrimSpace(value)
	base := 10
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		value = value[2:]
		base = 16
	}
	n, err := strconv.ParseUint(value, base, 8)
	if err != nil {
		return 0, err
	}
	return byte(n), nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
