package gateway

import (
	"encoding/json"
	"math"
	"net/http"
	"time"
)

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, errCode, msg string) {
	var body errorBody
	body.Error.Code = errCode
	body.Error.Message = msg
	writeJSON(w, code, body)
}

// seconds renders d in seconds rounded to the given number of decimals.
func seconds(d time.Duration, decimals int) float64 {
	scale := math.Pow(10, float64(decimals))
	return math.Round(d.Seconds()*scale) / scale
}
