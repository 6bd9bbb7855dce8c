package imapsession

import (
	"strings"

	"github.com/emersion/go-imap/v2"
)

func determineFolderType(name string, attrs []imap.MailboxAttr) FolderType {
	for _, attr := range attrs {
		switch attr {
		case imap.MailboxAttrAll:
			return FolderTypeAll
		case imap.MailboxAttrArchive:
			return FolderTypeArchive
		case imap.MailboxAttrDrafts:
			return FolderTypeDrafts
		case imap.MailboxAttrJunk:
			return FolderTypeSpam
		case imap.MailboxAttrSent:
			return FolderTypeSent
		case imap.MailboxAttrTrash:
			return FolderTypeTrash
		}
	}

	lower := strings.ToLower(name)
	switch {
	case name == "INBOX":
		return FolderTypeInbox
	case strings.Contains(lower, "sent"):
		return FolderTypeSent
	case strings.Contains(lower, "draft"):
		return FolderTypeDrafts
	case strings.Contains(lower, "trash"), strings.Contains(lower, "deleted"):
		return FolderTypeTrash
	case strings.Contains(lower, "spam"), strings.Contains(lower, "junk"):
		return FolderTypeSpam
	case strings.Contains(lower, "archive"):
		return FolderTypeArchive
	case strings.Contains(lower, "all mail"):
		return FolderTypeAll
	}
	return FolderTypeFolder
}
