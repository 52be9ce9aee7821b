package registry

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/InsulaLabs/drive/db/models"
	"github.com/InsulaLabs/drive/db/store"
	"github.com/InsulaLabs/drive/db/tkv"
)

type Config struct {
	Logger *slog.Logger
	DB     tkv.TKV
	Clock  func() time.Time // defaults to time.Now
}

// Registry owns the id counter and both record stores. Every operation holds
// the registry lock for its whole duration, so operations never interleave.
type Registry struct {
	mu      sync.Mutex
	logger  *slog.Logger
	clock   func() time.Time
	counter *store.Counter
	files   *store.Store[models.File]
	folders *store.Store[models.Folder]
}

func New(cfg Config) *Registry {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		logger:  cfg.Logger.WithGroup("registry"),
		clock:   clock,
		counter: store.NewCounter(cfg.DB, cfg.Logger),
		files:   store.NewFileStore(cfg.DB),
		folders: store.NewFolderStore(cfg.DB),
	}
}

func (r *Registry) stamp() *uint64 {
	ts := uint64(r.clock().UnixNano())
	return &ts
}

func fileNotFound(id uint64) error {
	return &models.ErrNotFound{Msg: fmt.Sprintf("a file with id=%d not found", id)}
}

func folderNotFound(id uint64) error {
	return &models.ErrNotFound{Msg: fmt.Sprintf("a folder with id=%d not found", id)}
}

var (
	errNoFile   = &models.ErrNotFound{Msg: "No file found."}
	errNoFolder = &models.ErrNotFound{Msg: "No folder found."}
)

// -- READ OPERATIONS --

func (r *Registry) GetFile(id uint64) (models.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, ok, err := r.files.Get(id)
	if err != nil {
		return models.File{}, err
	}
	if !ok {
		return models.File{}, fileNotFound(id)
	}
	return file, nil
}

func (r *Registry) GetAllFiles() ([]models.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	files, err := r.files.List()
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, errNoFile
	}
	return files, nil
}

// GetAllFilesByFolderID only reports "No file found." when the whole file
// store is empty. A folder with no files of its own yields an empty list.
func (r *Registry) GetAllFilesByFolderID(folderID uint64) ([]models.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	folder, ok, err := r.folders.Get(folderID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, folderNotFound(folderID)
	}

	files, err := r.files.List()
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, errNoFile
	}
	return filterByFolder(files, folder.ID), nil
}

// GetAllFilesByFolderName resolves the name to the lowest-id folder carrying it.
func (r *Registry) GetAllFilesByFolderName(name string) ([]models.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	folder, found, err := r.firstFolderNamed(name)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errNoFolder
	}

	files, err := r.files.List()
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, errNoFile
	}
	return filterByFolder(files, folder.ID), nil
}

func (r *Registry) GetFolder(id uint64) (models.Folder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	folder, ok, err := r.folders.Get(id)
	if err != nil {
		return models.Folder{}, err
	}
	if !ok {
		return models.Folder{}, folderNotFound(id)
	}
	return folder, nil
}

func (r *Registry) GetFolderByName(name string) (models.Folder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	folder, found, err := r.firstFolderNamed(name)
	if err != nil {
		return models.Folder{}, err
	}
	if !found {
		return models.Folder{}, errNoFolder
	}
	return folder, nil
}

func (r *Registry) GetAllFolders() ([]models.Folder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	folders, err := r.folders.List()
	if err != nil {
		return nil, err
	}
	if len(folders) == 0 {
		return nil, errNoFolder
	}
	return folders, nil
}

func (r *Registry) Stats() (models.Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	files, err := r.files.List()
	if err != nil {
		return models.Stats{}, err
	}
	folders, err := r.folders.List()
	if err != nil {
		return models.Stats{}, err
	}
	last, err := r.counter.Current()
	if err != nil {
		return models.Stats{}, err
	}
	return models.Stats{
		Files:   len(files),
		Folders: len(folders),
		LastID:  last,
	}, nil
}

func (r *Registry) firstFolderNamed(name string) (models.Folder, bool, error) {
	folders, err := r.folders.List()
	if err != nil {
		return models.Folder{}, false, err
	}
	for _, folder := range folders {
		if folder.FolderName == name {
			return folder, true, nil
		}
	}
	return models.Folder{}, false, nil
}

func filterByFolder(files []models.File, folderID uint64) []models.File {
	result := []models.File{}
	for _, file := range files {
		if file.FolderID == folderID {
			result = append(result, file)
		}
	}
	return result
}

// -- WRITE OPERATIONS --

func (r *Registry) CreateFile(p models.FilePayload) (models.File, error) {
	if p.FileName == "" {
		return models.File{}, &models.ErrCreateFail{Msg: "Invalid file name"}
	}
	if p.MimeType == "" {
		return models.File{}, &models.ErrCreateFail{Msg: "Invalid mime type"}
	}
	if p.Content == "" {
		return models.File{}, &models.ErrCreateFail{Msg: "Invalid content"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	file := models.File{
		ID:        r.counter.Next(),
		FolderID:  p.FolderID,
		FileName:  p.FileName,
		MimeType:  p.MimeType,
		Content:   p.Content,
		UpdatedAt: r.stamp(),
	}
	if err := r.files.Put(file); err != nil {
		return models.File{}, err
	}
	r.logger.Debug("file created", "id", file.ID, "folder_id", file.FolderID)
	return file, nil
}

// UpdateFile reports an empty mime type as a create failure; callers
// match on that kind.
func (r *Registry) UpdateFile(id uint64, p models.FilePayload) (models.File, error) {
	if p.FileName == "" {
		return models.File{}, &models.ErrUpdateFail{Msg: "Invalid file name"}
	}
	if p.MimeType == "" {
		return models.File{}, &models.ErrCreateFail{Msg: "Invalid mime type"}
	}
	if p.Content == "" {
		return models.File{}, &models.ErrUpdateFail{Msg: "Invalid content"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	file, ok, err := r.files.Get(id)
	if err != nil {
		return models.File{}, err
	}
	if !ok {
		return models.File{}, &models.ErrNotFound{Msg: fmt.Sprintf("couldn't update a file with id=%d. file not found", id)}
	}

	file.FolderID = p.FolderID
	file.FileName = p.FileName
	file.MimeType = p.MimeType
	file.Content = p.Content
	file.UpdatedAt = r.stamp()
	if err := r.files.Put(file); err != nil {
		return models.File{}, err
	}
	r.logger.Debug("file updated", "id", file.ID)
	return file, nil
}

func (r *Registry) UpdateFileName(id uint64, name string) (models.File, error) {
	if name == "" {
		return models.File{}, &models.ErrUpdateFail{Msg: "Invalid file name"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	file, ok, err := r.files.Get(id)
	if err != nil {
		return models.File{}, err
	}
	if !ok {
		return models.File{}, &models.ErrNotFound{Msg: fmt.Sprintf("couldn't update a file with id=%d. file not found", id)}
	}

	file.FileName = name
	file.UpdatedAt = r.stamp()
	if err := r.files.Put(file); err != nil {
		return models.File{}, err
	}
	r.logger.Debug("file renamed", "id", file.ID)
	return file, nil
}

func (r *Registry) DeleteFile(id uint64) (models.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, ok, err := r.files.Remove(id)
	if err != nil {
		return models.File{}, err
	}
	if !ok {
		return models.File{}, &models.ErrNotFound{Msg: fmt.Sprintf("couldn't delete a file with id=%d. file not found.", id)}
	}
	r.logger.Debug("file deleted", "id", file.ID)
	return file, nil
}

// CreateFolder accepts any name, including the empty one.
func (r *Registry) CreateFolder(p models.FolderPayload) (models.Folder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	folder := models.Folder{
		ID:         r.counter.Next(),
		FolderName: p.FolderName,
		UpdatedAt:  r.stamp(),
	}
	if err := r.folders.Put(folder); err != nil {
		return models.Folder{}, err
	}
	r.logger.Debug("folder created", "id", folder.ID)
	return folder, nil
}

func (r *Registry) UpdateFolder(id uint64, p models.FolderPayload) (models.Folder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	folder, ok, err := r.folders.Get(id)
	if err != nil {
		return models.Folder{}, err
	}
	if !ok {
		return models.Folder{}, &models.ErrNotFound{Msg: fmt.Sprintf("Folder with id=%d not found.", id)}
	}

	folder.FolderName = p.FolderName
	folder.UpdatedAt = r.stamp()
	if err := r.folders.Put(folder); err != nil {
		return models.Folder{}, err
	}
	r.logger.Debug("folder updated", "id", folder.ID)
	return folder, nil
}
