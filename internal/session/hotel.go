package session

import "strings"

// Hotel identifies the regional game hotel a session belongs to.
type Hotel struct {
	Code   string `json:"code"`
	Name   string `json:"name"`
	Domain string `json:"domain"`
}

var hotels = []Hotel{
	{Code: "us", Name: "United States", Domain: "habbo.com"},
	{Code: "br", Name: "Brazil", Domain: "habbo.com.br"},
	{Code: "tr", Name: "Turkey", Domain: "habbo.com.tr"},
	{Code: "es", Name: "Spain", Domain: "habbo.es"},
	{Code: "fi", Name: "Finland", Domain: "habbo.fi"},
	{Code: "it", Name: "Italy", Domain: "habbo.it"},
	{Code: "nl", Name: "Netherlands", Domain: "habbo.nl"},
	{Code: "de", Name: "Germany", Domain: "habbo.de"},
	{Code: "fr", Name: "France", Domain: "habbo.fr"},
	{Code: "s2", Name: "Sandbox", Domain: "sandbox.habbo.com"},
}

// HotelFromHost identifies the hotel from a game server host name such as
// "game-us.habbo.com", "game-ous.habbo.com" (Origins) or "game-br.habbo.com".
func HotelFromHost(host string) (Hotel, bool) {
	h := strings.ToLower(strings.TrimSpace(host))
	if i := strings.LastIndexByte(h, ':'); i >= 0 {
		h = h[:i]
	}

	code := ""
	if strings.HasPrefix(h, "game-") {
		label := strings.TrimPrefix(h, "game-")
		if dot := strings.IndexByte(label, '.'); dot > 0 {
			label = label[:dot]
		}
		// Origins hotels prefix their code with "o".
		if len(label) == 3 && label[0] == 'o' {
			label = label[1:]
		}
		code = label
	}

	for _, hotel := range hotels {
		if code != "" && hotel.Code == code {
			return hotel, true
		}
	}
	for _, hotel := range hotels {
		if strings.HasSuffix(h, "."+hotel.Domain) || h == hotel.Domain {
			return hotel, true
		}
	}
	return Hotel{Code: code}, false
}
