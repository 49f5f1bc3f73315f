package handlers

import (
	"net/http"
)

func (m *Main) writeChatList(w http.ResponseWriter, r *http.Request) {
	folders, err := m.sidebar(r.Context())
	if err != nil {
		m.httpError(w, "Failed to load sidebar", err)
		return
	}
	m.publishChats(r.Context())
	if err := m.templates.ExecuteTemplate(w, "chat_list", folders); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleFolders creates a folder named by the "name" form field.
func (m *Main) HandleFolders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if _, err := m.folders.AddFolder(r.Context(), r.FormValue("name")); err != nil {
		m.httpError(w, "Failed to add folder", err)
		return
	}
	m.writeChatList(w, r)
}

// HandleRenameFolder renames the "folder_id" folder to "name". Blank names and the default folder are left
// as they are.
func (m *Main) HandleRenameFolder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := m.folders.RenameFolder(r.Context(), r.FormValue("folder_id"), r.FormValue("name")); err != nil {
		m.httpError(w, "Failed to rename folder", err)
		return
	}
	m.writeChatList(w, r)
}

// HandleDeleteFolder deletes the "folder_id" folder. Its conversations move to the default folder.
func (m *Main) HandleDeleteFolder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := m.folders.DeleteFolder(r.Context(), r.FormValue("folder_id")); err != nil {
		m.httpError(w, "Failed to delete folder", err)
		return
	}
	m.writeChatList(w, r)
}

// HandleToggleFolder collapses or expands the "folder_id" folder.
func (m *Main) HandleToggleFolder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := m.folders.ToggleFolderCollapsed(r.Context(), r.FormValue("folder_id")); err != nil {
		m.httpError(w, "Failed to toggle folder", err)
		return
	}
	m.writeChatList(w, r)
}
