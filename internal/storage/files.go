package storage

import (
	"github.com/vmihailenco/msgpack/v5"

	"shutterline/internal/models"
)

// FileMetadata describes a file kept by the relay's file store.
type FileMetadata struct {
	Hash      string `msgpack:"hash"`
	Name      string `msgpack:"name"`
	MimeType  string `msgpack:"mimeType"`
	Size      int64  `msgpack:"size"`
	CreatedAt int64  `msgpack:"createdAt"`
	UserID    string `msgpack:"userId"`
}

func (f *FileMetadata) Key() []byte {
	return []byte(f.Hash)
}

func (f *FileMetadata) MarshalBinary() (data []byte, err error) {
	type alias FileMetadata
	return msgpack.Marshal((*alias)(f))
}

func (f *FileMetadata) UnmarshalBinary(data []byte) error {
	type alias FileMetadata
	return msgpack.Unmarshal(data, (*alias)(f))
}

func (s *BboltStorage) UpsertFileMetadata(meta FileMetadata) error {
	return s.put(bucketFiles, &meta)
}

func (s *BboltStorage) GetFileMetadata(hash string) (FileMetadata, error) {
	var meta FileMetadata
	err := s.get(bucketFiles, []byte(hash), &meta)
	return meta, err
}

// SaveUpload remembers the server reference of an uploaded file by its
// content hash.
func (s *BboltStorage) SaveUpload(hash string, att models.Attachment) error {
	return s.put(bucketUploads, &DBUpload{
		Hash:       hash,
		Attachment: DBAttachment{Name: att.Name, URL: att.URL, Size: att.Size, MimeType: att.Type},
	})
}

// GetUpload returns models.ErrNotFound for content never uploaded.
func (s *BboltStorage) GetUpload(hash string) (models.Attachment, error) {
	var u DBUpload
	if err := s.get(bucketUploads, []byte(hash), &u); err != nil {
		return models.Attachment{}, err
	}
	a := u.Attachment
	return models.Attachment{Name: a.Name, URL: a.URL, Size: a.Size, Type: a.MimeType}, nil
}
