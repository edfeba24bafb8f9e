package engine

import "github.com/go-chi/chi/v5"

// Routes mounts the market endpoints on r, which is expected to be the
// /api/v1 sub-router.
func (s *Service) Routes(r chi.Router) {
	r.Post("/markets", s.CreateMarket)
	r.Get("/markets", s.ListMarkets)
	r.Route("/markets/{index}", func(r chi.Router) {
		r.Get("/", s.GetMarket)
		r.Get("/price", s.GetPrice)
		r.Get("/curve-records", s.GetCurveRecords)
		r.Post("/fill", s.Fill)
		r.Post("/update-amm", s.UpdateAMM)
		r.Post("/repeg", s.Repeg)
		r.Post("/concentration", s.SetConcentration)
		r.Post("/funding", s.UpdateFunding)
		r.Post("/settle", s.SettlePools)
	})
	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}
}
