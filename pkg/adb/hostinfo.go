package adb

import "strconv"

// ServerVersion reports the server's internal version number.
func (c *Client) ServerVersion() (int, error) {
	body, err := c.Query("host:version")
	if err != nil {
		return 0, err
	}
	if body == "" {
		return 0, nil
	}

	v, err := strconv.ParseInt(body, 16, 32)
	if err != nil {
		return 0, protocolErrorf("bad version %q", body)
	}
	return int(v), nil
}

// GetState reports the selected device's connection state.
func (c *Client) GetState() (string, error) {
	return c.CommandQuery("get-state")
}

// GetSerialNo reports the selected device's serial number.
func (c *Client) GetSerialNo() (string, error) {
	return c.CommandQuery("get-serialno")
}

// GetDevPath reports the selected device's device path.
func (c *Client) GetDevPath() (string, error) {
	return c.CommandQuery("get-devpath")
}

// Disconnect drops a remote TCP device from the server.
func (c *Client) Disconnect(hostport string) (string, error) {
	return c.CommandQuery("disconnect:" + hostport)
}
