// Package http provides the request and response helpers used by the
// management API.
//
// # Request
//
//	req := gohttp.NewRequest(r)
//	body, err := req.Body()        // capped at MaxBodySize
//	name := req.RouteParam("name") // chi
//	token := req.BearerToken()
//	if req.IsJSON() { ... }        // Accept or Content-Type
//
// # Response
//
// Bodies are JSON unless sent with YAML. JSON payloads go in a "data"
// envelope, failures carry a "message", and validation failures add an
// "errors" bag:
//
//	res := gohttp.NewResponse(w)
//	res.Success(v)                        // 200 {"data": v}
//	res.Created(v)                        // 201 {"data": v}
//	res.NotFound()                        // 404 {"message": "Not found."}
//	res.ValidationError(verrs.Bag())      // 422 {"message": ..., "errors": {...}}
package http
