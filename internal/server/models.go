package server

import (
	"github.com/valyala/fasthttp"

	"github.com/fakeai/fakeai/pkg/apierr"
)

func (s *Server) handleListModels(ctx *fasthttp.RequestCtx) {
	descs := s.registry.List()
	out := modelList{Object: "list", Data: make([]modelObject, 0, len(descs))}
	for _, d := range descs {
		out.Data = append(out.Data, modelObject{
			ID:      d.ID,
			Object:  "model",
			Created: d.Created,
			OwnedBy: d.OwnedBy,
		})
	}
	writeJSON(ctx, out)
}

func (s *Server) handleGetModel(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	d, ok := s.registry.Lookup(id)
	if !ok {
		apierr.Write(ctx, fasthttp.StatusNotFound,
			"The model '"+id+"' does not exist", apierr.TypeNotFoundError, apierr.CodeModelNotFound)
		return
	}
	writeJSON(ctx, modelObject{
		ID:      d.ID,
		Object:  "model",
		Created: d.Created,
		OwnedBy: d.OwnedBy,
	})
}
