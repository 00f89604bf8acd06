package ftps

import (
	"fmt"
	"io"
	"os"
)

// retrieveInto runs a download command and copies the data connection into
// w, with the keep-alive monitor active for the lifetime of the data
// connection. The data connection is closed on every exit path.
func (c *Client) retrieveInto(w io.Writer, verb string, args ...string) error {
	dataConn, err := c.cmdDataConn(verb, args...)
	if err != nil {
		return err
	}

	monitor := c.startKeepAlive()

	_, copyErr := io.Copy(w, dataConn)

	monitor.stop()
	monitor.drain()

	finishErr := c.finishDataConn(dataConn)

	if copyErr != nil {
		return &DataConnectionError{Stage: "transfer", Err: copyErr}
	}
	if finishErr != nil {
		return finishErr
	}

	return c.keepAliveError()
}

// storeFrom runs an upload command and copies r into the data connection,
// with the keep-alive monitor active for the lifetime of the data
// connection. The data connection is closed on every exit path.
func (c *Client) storeFrom(r io.Reader, verb string, args ...string) error {
	dataConn, err := c.cmdDataConn(verb, args...)
	if err != nil {
		return err
	}

	monitor := c.startKeepAlive()

	_, copyErr := io.Copy(dataConn, r)

	monitor.stop()
	monitor.drain()

	finishErr := c.finishDataConn(dataConn)

	if copyErr != nil {
		return &DataConnectionError{Stage: "transfer", Err: copyErr}
	}
	if finishErr != nil {
		return finishErr
	}

	return c.keepAliveError()
}

// Retrieve downloads data from the remote path to an io.Writer.
// The transfer is performed in binary mode (TYPE I).
//
// Example:
//
//	file, err := os.Create("local.txt")
//	if err != nil {
//	    return err
//	}
//	defer file.Close()
//
//	err = client.Retrieve("remote.txt", file)
func (c *Client) Retrieve(remotePath string, w io.Writer) error {
	if err := c.Type("I"); err != nil {
		return fmt.Errorf("failed to set binary mode: %w", err)
	}

	return c.retrieveInto(w, "RETR", remotePath)
}

// RetrieveFrom downloads a file starting from the specified byte offset.
// This is useful for resuming interrupted downloads.
// The transfer is performed in binary mode (TYPE I).
func (c *Client) RetrieveFrom(remotePath string, w io.Writer, offset int64) error {
	if err := c.Type("I"); err != nil {
		return fmt.Errorf("failed to set binary mode: %w", err)
	}

	if offset > 0 {
		if err := c.RestartAt(offset); err != nil {
			return fmt.Errorf("failed to set restart marker: %w", err)
		}
	}

	return c.retrieveInto(w, "RETR", remotePath)
}

// Store uploads data from an io.Reader to the remote path.
// The transfer is performed in binary mode (TYPE I).
//
// Example:
//
//	file, err := os.Open("local.txt")
//	if err != nil {
//	    return err
//	}
//	defer file.Close()
//
//	err = client.Store("remote.txt", file)
func (c *Client) Store(remotePath string, r io.Reader) error {
	if err := c.Type("I"); err != nil {
		return fmt.Errorf("failed to set binary mode: %w", err)
	}

	return c.storeFrom(r, "STOR", remotePath)
}

// Append appends data from an io.Reader to the remote path.
// If the file doesn't exist, it will be created.
// The transfer is performed in binary mode (TYPE I).
func (c *Client) Append(remotePath string, r io.Reader) error {
	if err := c.Type("I"); err != nil {
		return fmt.Errorf("failed to set binary mode: %w", err)
	}

	return c.storeFrom(r, "APPE", remotePath)
}

// RestartAt sets the restart marker for the next transfer.
// This allows resuming a transfer from a specific byte offset.
// The offset applies to the next RETR or STOR command.
// This implements RFC 3959 - The FTP REST Extension.
func (c *Client) RestartAt(offset int64) error {
	reply, err := c.sendCommand("REST", fmt.Sprintf("%d", offset))
	if err != nil {
		return err
	}

	// REST replies 350 (file action pending further information)
	if reply.Code != 350 {
		return &ProtocolError{
			Command:  "REST",
			Response: reply.Message,
			Code:     reply.Code,
		}
	}

	return nil
}

// UploadFile manages the upload of a local file to the server.
// It opens the local file and streams it to the remote location using Store.
//
// Example:
//
//	err := client.UploadFile("local_image.jpg", "/public/images/remote_image.jpg")
func (c *Client) UploadFile(localPath, remotePath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open local file: %w", err)
	}
	defer f.Close()

	if err := c.Store(remotePath, f); err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}

	return nil
}

// DownloadFile manages the download of a remote file to the local filesystem.
// It creates or truncates the local file and streams the remote content into
// it using Retrieve.
//
// Example:
//
//	err := client.DownloadFile("/public/data.csv", "local_data.csv")
func (c *Client) DownloadFile(remotePath, localPath string) error {
	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create local file: %w", err)
	}
	defer f.Close()

	if err := c.Retrieve(remotePath, f); err != nil {
		// Clean up the partial file on error
		_ = os.Remove(localPath)
		return fmt.Errorf("download failed: %w", err)
	}

	return nil
}
