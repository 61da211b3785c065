package server

import (
	"net/http"
)

// modelCreated is the fixed creation stamp reported for every configured
// model; Coze bots carry no comparable timestamp.
const modelCreated = 1742469687

type modelObject struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelsResponse struct {
	Object string        `json:"object"`
	Data   []modelObject `json:"data"`
}

func newModelObject(id string) modelObject {
	return modelObject{
		ID:      id,
		Object:  "model",
		Created: modelCreated,
		OwnedBy: "openai",
	}
}

// supportedModels lists every configured model name, including pass-through
// entries.
func (s *Server) supportedModels() []modelObject {
	names := s.cfg.Bots.Names()
	models := make([]modelObject, 0, len(names))
	for _, name := range names {
		models = append(models, newModelObject(name))
	}
	return models
}

func (s *Server) modelsHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, modelsResponse{
		Object: "list",
		Data:   s.supportedModels(),
	})
}

// modelHandler answers for any id, matching clients that look up a model
// before using it.
func (s *Server) modelHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, newModelObject(r.PathValue("id")))
}
