package core

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/InsulaLabs/drive/db/models"
)

// statusFor maps a domain error kind onto its HTTP status.
func statusFor(kind models.ErrorKind) int {
	switch kind {
	case models.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusBadRequest
	}
}

// respond writes the tagged result envelope for v or err. Errors that are not
// one of the domain kinds are storage faults and never reach the client as an
// envelope.
func respond[T any](c *Core, w http.ResponseWriter, r *http.Request, v T, err error) {
	status := http.StatusOK
	var result models.Result[T]

	if err != nil {
		domainErr, ok := models.AsRegistryError(err)
		if !ok {
			c.logger.Error("Registry operation failed", "path", r.URL.Path, "request_id", w.Header().Get(RequestIDHeader), "error", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		c.logger.Debug("Registry operation rejected", "path", r.URL.Path, "kind", domainErr.Kind(), "msg", domainErr.Error())
		status = statusFor(domainErr.Kind())
		result.Err = models.ToVariant(domainErr)
	} else {
		result.Ok = &v
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(result); err != nil {
		c.logger.Error("Could not encode response", "path", r.URL.Path, "error", err)
	}
}

func (c *Core) requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (c *Core) queryID(w http.ResponseWriter, r *http.Request, param string) (uint64, bool) {
	raw := r.URL.Query().Get(param)
	if raw == "" {
		http.Error(w, "Missing "+param+" parameter", http.StatusBadRequest)
		return 0, false
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		http.Error(w, "Invalid "+param+" parameter: "+err.Error(), http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func (c *Core) decodeBody(w http.ResponseWriter, r *http.Request, into any) bool {
	defer r.Body.Close()
	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		c.logger.Error("Could not read body", "path", r.URL.Path, "error", err)
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return false
	}
	if err := json.Unmarshal(bodyBytes, into); err != nil {
		c.logger.Debug("Invalid JSON payload", "path", r.URL.Path, "error", err)
		http.Error(w, "Invalid JSON payload: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// -- READ OPERATIONS --

func (c *Core) getFileHandler(w http.ResponseWriter, r *http.Request) {
	if !c.requireMethod(w, r, http.MethodGet) {
		return
	}
	id, ok := c.queryID(w, r, "id")
	if !ok {
		return
	}
	file, err := c.registry.GetFile(id)
	respond(c, w, r, file, err)
}

func (c *Core) getAllFilesHandler(w http.ResponseWriter, r *http.Request) {
	if !c.requireMethod(w, r, http.MethodGet) {
		return
	}
	files, err := c.registry.GetAllFiles()
	respond(c, w, r, files, err)
}

func (c *Core) getAllFilesByFolderIDHandler(w http.ResponseWriter, r *http.Request) {
	if !c.requireMethod(w, r, http.MethodGet) {
		return
	}
	folderID, ok := c.queryID(w, r, "folder_id")
	if !ok {
		return
	}
	files, err := c.registry.GetAllFilesByFolderID(folderID)
	respond(c, w, r, files, err)
}

// An absent folder_name parameter is the empty name, which may legitimately
// belong to a folder.
func (c *Core) getAllFilesByFolderNameHandler(w http.ResponseWriter, r *http.Request) {
	if !c.requireMethod(w, r, http.MethodGet) {
		return
	}
	files, err := c.registry.GetAllFilesByFolderName(r.URL.Query().Get("folder_name"))
	respond(c, w, r, files, err)
}

func (c *Core) getFolderHandler(w http.ResponseWriter, r *http.Request) {
	if !c.requireMethod(w, r, http.MethodGet) {
		return
	}
	id, ok := c.queryID(w, r, "id")
	if !ok {
		return
	}
	folder, err := c.registry.GetFolder(id)
	respond(c, w, r, folder, err)
}

func (c *Core) getFolderByNameHandler(w http.ResponseWriter, r *http.Request) {
	if !c.requireMethod(w, r, http.MethodGet) {
		return
	}
	folder, err := c.registry.GetFolderByName(r.URL.Query().Get("folder_name"))
	respond(c, w, r, folder, err)
}

func (c *Core) getAllFoldersHandler(w http.ResponseWriter, r *http.Request) {
	if !c.requireMethod(w, r, http.MethodGet) {
		return
	}
	folders, err := c.registry.GetAllFolders()
	respond(c, w, r, folders, err)
}

// -- WRITE OPERATIONS --

func (c *Core) createFileHandler(w http.ResponseWriter, r *http.Request) {
	if !c.requireMethod(w, r, http.MethodPost) {
		return
	}
	var p models.FilePayload
	if !c.decodeBody(w, r, &p) {
		return
	}
	file, err := c.registry.CreateFile(p)
	if err == nil {
		c.publish(models.OpCreated, models.KindFile, file.ID)
	}
	respond(c, w, r, file, err)
}

func (c *Core) updateFileHandler(w http.ResponseWriter, r *http.Request) {
	if !c.requireMethod(w, r, http.MethodPost) {
		return
	}
	var req models.UpdateFileRequest
	if !c.decodeBody(w, r, &req) {
		return
	}
	file, err := c.registry.UpdateFile(req.ID, req.Payload)
	if err == nil {
		c.publish(models.OpUpdated, models.KindFile, file.ID)
	}
	respond(c, w, r, file, err)
}

func (c *Core) updateFileNameHandler(w http.ResponseWriter, r *http.Request) {
	if !c.requireMethod(w, r, http.MethodPost) {
		return
	}
	var req models.UpdateFileNameRequest
	if !c.decodeBody(w, r, &req) {
		return
	}
	file, err := c.registry.UpdateFileName(req.ID, req.FileName)
	if err == nil {
		c.publish(models.OpUpdated, models.KindFile, file.ID)
	}
	respond(c, w, r, file, err)
}

func (c *Core) deleteFileHandler(w http.ResponseWriter, r *http.Request) {
	if !c.requireMethod(w, r, http.MethodPost) {
		return
	}
	var req models.DeleteFileRequest
	if !c.decodeBody(w, r, &req) {
		return
	}
	file, err := c.registry.DeleteFile(req.ID)
	if err == nil {
		c.publish(models.OpDeleted, models.KindFile, file.ID)
	}
	respond(c, w, r, file, err)
}

func (c *Core) createFolderHandler(w http.ResponseWriter, r *http.Request) {
	if !c.requireMethod(w, r, http.MethodPost) {
		return
	}
	var p models.FolderPayload
	if !c.decodeBody(w, r, &p) {
		return
	}
	folder, err := c.registry.CreateFolder(p)
	if err == nil {
		c.publish(models.OpCreated, models.KindFolder, folder.ID)
	}
	respond(c, w, r, folder, err)
}

func (c *Core) updateFolderHandler(w http.ResponseWriter, r *http.Request) {
	if !c.requireMethod(w, r, http.MethodPost) {
		return
	}
	var req models.UpdateFolderRequest
	if !c.decodeBody(w, r, &req) {
		return
	}
	folder, err := c.registry.UpdateFolder(req.ID, req.Payload)
	if err == nil {
		c.publish(models.OpUpdated, models.KindFolder, folder.ID)
	}
	respond(c, w, r, folder, err)
}

// -- SYSTEM --

func (c *Core) statusHandler(w http.ResponseWriter, r *http.Request) {
	if !c.requireMethod(w, r, http.MethodGet) {
		return
	}
	stats, err := c.registry.Stats()
	stats.Engine = c.cfg.Storage.Engine
	stats.UptimeSec = int64(time.Since(c.startedAt) / time.Second)
	respond(c, w, r, stats, err)
}
