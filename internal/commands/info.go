package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"flightwatch/internal/storage"
)

func (h *handlers) info(ctx context.Context, req *Request) error {
	if h.d.Reference == nil {
		return errors.New("reference data is not configured")
	}
	if len(req.Args) < 2 {
		return userErrorf("usage: /info airport|model CODE")
	}
	code := strings.ToUpper(strings.Join(strings.Fields(strings.Join(req.Args[1:], " ")), ""))
	if len(code) < 2 {
		return userError("Invalid code format. Codes must be at least 2 characters.")
	}
	cache := h.d.Reference.Cache()

	switch strings.ToLower(req.Args[0]) {
	case "airport":
		row, ok := cache.AirportRecord(code)
		if !ok {
			return req.Replyf(ctx, "No airport record found for <b>%s</b>. Try /refreshref airports.", escape(code))
		}
		return req.Reply(ctx, airportInfo(row))
	case "model", "aircraft":
		m, ok := cache.Model(code)
		if !ok {
			return req.Replyf(ctx, "No model record found for <b>%s</b>. Try /refreshref models.", escape(code))
		}
		lines := []string{"<b>" + escape(m.Label()) + "</b>", "ICAO: <code>" + escape(m.ICAO) + "</code>"}
		if m.Manufacturer != "" {
			lines = append(lines, "Manufacturer: "+escape(m.Manufacturer))
		}
		if m.Name != "" {
			lines = append(lines, "Name: "+escape(m.Name))
		}
		return req.Reply(ctx, strings.Join(lines, "\n"))
	}
	return userErrorf("kind must be airport or model")
}

func airportInfo(r storage.AirportRow) string {
	label := r.ICAO
	var parts []string
	for _, p := range []string{r.Name, r.City, r.PlaceCode} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) > 0 {
		label += " - " + strings.Join(parts, ", ")
	}
	lines := []string{"<b>" + escape(label) + "</b>", "ICAO: <code>" + escape(r.ICAO) + "</code>"}
	if r.IATA != "" {
		lines = append(lines, "IATA: <code>"+escape(r.IATA)+"</code>")
	}
	if r.Lat != nil && r.Lon != nil {
		lines = append(lines, fmt.Sprintf("Position: %.4f, %.4f", *r.Lat, *r.Lon))
	}
	return strings.Join(lines, "\n")
}
